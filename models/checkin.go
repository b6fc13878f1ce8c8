package models

import (
	"time"
)

type AdmissionMethod string

const (
	MethodScan   AdmissionMethod = "SCAN"
	MethodManual AdmissionMethod = "MANUAL"
)

// AdmissionRecord is immutable proof of one successful admission. Failed
// attempts are never recorded, so Outcome is always VALID.
type AdmissionRecord struct {
	ID           string          `json:"id" db:"id"`
	TicketID     string          `json:"ticket_id" db:"ticket_id"`
	GrantID      string          `json:"grant_id" db:"grant_id"`
	EventID      string          `json:"event_id" db:"event_id"`
	CredentialID string          `json:"credential_id" db:"credential_id"`
	Method       AdmissionMethod `json:"method" db:"method"`
	Outcome      string          `json:"outcome" db:"outcome"`
	ValidatedAt  time.Time       `json:"validated_at" db:"validated_at"`
}

const OutcomeValid = "VALID"

// Attendee marks a purchaser as checked in to an event.
type Attendee struct {
	EventID      string    `json:"event_id" db:"event_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
}

// TicketSummary is what a gate agent sees when previewing a code.
type TicketSummary struct {
	TicketID       string       `json:"ticket_id"`
	TicketTypeID   string       `json:"ticket_type_id"`
	TicketTypeName string       `json:"ticket_type_name"`
	EventID        string       `json:"event_id"`
	PurchaserID    string       `json:"purchaser_id"`
	Price          float64      `json:"price"`
	Status         TicketStatus `json:"status"`
	PublicCode     string       `json:"public_code"`
	IssuedAt       time.Time    `json:"issued_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
}
