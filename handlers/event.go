package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/staff"
)

// EventHandler serves the organiser's view of an event: its gate staff and
// the attendees admitted so far.
type EventHandler struct {
	logger *logrus.Logger
	window *staff.Window
}

func NewEventHandler(logger *logrus.Logger, window *staff.Window) *EventHandler {
	return &EventHandler{logger: logger, window: window}
}

type issueStaffRequest struct {
	Count    int `json:"count" binding:"required,min=1"`
	TTLHours int `json:"ttl_hours" binding:"required,min=1"`
}

type extendStaffRequest struct {
	Hours int `json:"hours" binding:"required,min=1"`
}

func (h *EventHandler) IssueStaff(c *gin.Context) {
	var req issueStaffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	issued, err := h.window.Grant(c.Request.Context(), principal(c), c.Param("id"), req.Count, req.TTLHours)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Staff credentials created, secrets are shown only once",
		"staff":   issued,
	})
}

func (h *EventHandler) ListStaff(c *gin.Context) {
	grants, err := h.window.List(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, grants)
}

func (h *EventHandler) RevokeStaff(c *gin.Context) {
	if err := h.window.Revoke(c.Request.Context(), principal(c), c.Param("id"), c.Param("grantId")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Staff access revoked"})
}

func (h *EventHandler) ExtendStaff(c *gin.Context) {
	var req extendStaffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	grant, err := h.window.Extend(c.Request.Context(), principal(c), c.Param("id"), c.Param("grantId"), req.Hours)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Staff access extended",
		"staff":   grant,
	})
}

func (h *EventHandler) ResetStaffSecret(c *gin.Context) {
	secret, err := h.window.ResetSecret(c.Request.Context(), principal(c), c.Param("id"), c.Param("grantId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  "Secret reset, it is shown only once",
		"grant_id": c.Param("grantId"),
		"secret":   secret,
	})
}

func (h *EventHandler) GetAttendedParticipants(c *gin.Context) {
	attendees, err := h.window.Attendees(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, attendees)
}
