package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/credential"
	"ticketgate-backend/inventory"
)

type TicketHandler struct {
	logger      *logrus.Logger
	allocator   *inventory.Allocator
	credentials *credential.Manager
}

func NewTicketHandler(logger *logrus.Logger, allocator *inventory.Allocator, credentials *credential.Manager) *TicketHandler {
	return &TicketHandler{logger: logger, allocator: allocator, credentials: credentials}
}

func (h *TicketHandler) Purchase(c *gin.Context) {
	ticket, err := h.allocator.Reserve(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Ticket purchased successfully",
		"ticket":  ticket,
	})
}

func (h *TicketHandler) ListTickets(c *gin.Context) {
	tickets, err := h.allocator.Tickets(c.Request.Context(), principal(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (h *TicketHandler) GetTicket(c *gin.Context) {
	ticket, err := h.allocator.Ticket(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (h *TicketHandler) Cancel(c *gin.Context) {
	if err := h.allocator.Release(c.Request.Context(), principal(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Ticket cancelled successfully"})
}

func (h *TicketHandler) Remaining(c *gin.Context) {
	remaining, err := h.allocator.Remaining(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket_type_id": c.Param("id"), "remaining": remaining})
}

// GetCredential returns the ticket's current code without issuing one.
func (h *TicketHandler) GetCredential(c *gin.Context) {
	cred, ok, err := h.credentials.ActiveForHolder(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":     true,
		"credential": cred,
		"expires_at": cred.ExpiresAt(h.credentials.TTL()),
	})
}

// RenderCredential returns the QR image, rotating the code when needed.
func (h *TicketHandler) RenderCredential(c *gin.Context) {
	img, cred, err := h.credentials.Render(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("X-Credential-Code", cred.PublicCode)
	c.Header("X-Credential-Expires-At", strconv.FormatInt(cred.ExpiresAt(h.credentials.TTL()).Unix(), 10))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", img)
}
