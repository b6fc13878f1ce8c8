// Package publisher forwards committed admissions to downstream consumers.
// Publishing happens after commit and is best effort.
package publisher

import (
	"context"
	"time"

	"ticketgate-backend/models"
)

type Publisher interface {
	PublishAdmission(ctx context.Context, record models.AdmissionRecord) error
	Close() error
}

// AdmissionMessage is the wire body of one admission event.
type AdmissionMessage struct {
	AdmissionID  string                 `json:"admission_id"`
	TicketID     string                 `json:"ticket_id"`
	EventID      string                 `json:"event_id"`
	GrantID      string                 `json:"grant_id"`
	CredentialID string                 `json:"credential_id"`
	Method       models.AdmissionMethod `json:"method"`
	ValidatedAt  time.Time              `json:"validated_at"`
}

func NewAdmissionMessage(r models.AdmissionRecord) AdmissionMessage {
	return AdmissionMessage{
		AdmissionID:  r.ID,
		TicketID:     r.TicketID,
		EventID:      r.EventID,
		GrantID:      r.GrantID,
		CredentialID: r.CredentialID,
		Method:       r.Method,
		ValidatedAt:  r.ValidatedAt,
	}
}

// Nop drops every message.
type Nop struct{}

func (Nop) PublishAdmission(context.Context, models.AdmissionRecord) error { return nil }

func (Nop) Close() error { return nil }
