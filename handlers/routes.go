package handlers

import (
	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Tickets  *TicketHandler
	Checkins *CheckinHandler
	Events   *EventHandler
}

// Register mounts every principal-scoped route on api.
func (h Handlers) Register(api *gin.RouterGroup) {
	secured := api.Group("", RequirePrincipal())
	{
		// Ticket routes
		secured.POST("/ticket-types/:id/purchase", h.Tickets.Purchase)
		secured.GET("/ticket-types/:id/remaining", h.Tickets.Remaining)
		secured.GET("/tickets", h.Tickets.ListTickets)
		secured.GET("/tickets/:id", h.Tickets.GetTicket)
		secured.POST("/tickets/:id/cancel", h.Tickets.Cancel)
		secured.GET("/tickets/:id/credential", h.Tickets.GetCredential)
		secured.GET("/tickets/:id/credential.png", h.Tickets.RenderCredential)

		// Gate routes
		secured.POST("/admissions/scan", h.Checkins.Scan)
		secured.POST("/admissions/manual", h.Checkins.Manual)
		secured.GET("/admissions/search", h.Checkins.Search)
		secured.GET("/admissions", h.Checkins.History)

		// Organiser routes
		secured.POST("/events/:id/staff", h.Events.IssueStaff)
		secured.GET("/events/:id/staff", h.Events.ListStaff)
		secured.DELETE("/events/:id/staff/:grantId", h.Events.RevokeStaff)
		secured.POST("/events/:id/staff/:grantId/extend", h.Events.ExtendStaff)
		secured.POST("/events/:id/staff/:grantId/reset-secret", h.Events.ResetStaffSecret)
		secured.GET("/events/:id/attended", h.Events.GetAttendedParticipants)
	}
}
