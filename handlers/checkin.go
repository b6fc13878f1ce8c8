package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/admission"
	"ticketgate-backend/models"
)

type CheckinHandler struct {
	logger  *logrus.Logger
	machine *admission.Machine
}

func NewCheckinHandler(logger *logrus.Logger, machine *admission.Machine) *CheckinHandler {
	return &CheckinHandler{logger: logger, machine: machine}
}

type admitRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *CheckinHandler) Scan(c *gin.Context) {
	h.admit(c, h.machine.AdmitByScan)
}

func (h *CheckinHandler) Manual(c *gin.Context) {
	h.admit(c, h.machine.AdmitManually)
}

func (h *CheckinHandler) admit(c *gin.Context, admit func(ctx context.Context, principalID, code string) (models.AdmissionRecord, error)) {
	var req admitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	record, err := admit(c.Request.Context(), principal(c), req.Code)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Ticket validated, entry allowed",
		"admission": record,
	})
}

func (h *CheckinHandler) Search(c *gin.Context) {
	summary, err := h.machine.Search(c.Request.Context(), principal(c), c.Query("code"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *CheckinHandler) History(c *gin.Context) {
	records, err := h.machine.History(c.Request.Context(), principal(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, records)
}
