package models

import (
	"time"
)

type TicketStatus string

const (
	TicketPurchased TicketStatus = "PURCHASED"
	TicketUsed      TicketStatus = "USED"
	TicketCancelled TicketStatus = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s TicketStatus) Terminal() bool {
	return s == TicketUsed || s == TicketCancelled
}

// Ticket is created PURCHASED together with the capacity decrement. EventID
// is resolved through the ticket type and is not stored on the ticket row.
type Ticket struct {
	ID           string       `json:"id" db:"id"`
	TicketTypeID string       `json:"ticket_type_id" db:"ticket_type_id"`
	EventID      string       `json:"event_id"`
	PurchaserID  string       `json:"purchaser_id" db:"purchaser_id"`
	Price        float64      `json:"price" db:"price"`
	Status       TicketStatus `json:"status" db:"status"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "ACTIVE"
	CredentialExpired CredentialStatus = "EXPIRED"
)

// Credential is the short-lived admission code bound to one ticket. TicketID
// is empty when the owning ticket has been detached.
type Credential struct {
	ID         string           `json:"id" db:"id"`
	TicketID   string           `json:"ticket_id" db:"ticket_id"`
	PublicCode string           `json:"public_code" db:"public_code"`
	Status     CredentialStatus `json:"status" db:"status"`
	IssuedAt   time.Time        `json:"issued_at" db:"issued_at"`
}

// ExpiresAt is the last instant at which the credential may be used.
func (c Credential) ExpiresAt(ttl time.Duration) time.Time {
	return c.IssuedAt.Add(ttl)
}

// FreshAt reports whether the TTL has not yet elapsed at now. It ignores the
// status on purpose: callers distinguish "expired" from "used".
func (c Credential) FreshAt(now time.Time, ttl time.Duration) bool {
	return !now.After(c.ExpiresAt(ttl))
}

// ValidAt is the full validity predicate: ACTIVE and within TTL.
func (c Credential) ValidAt(now time.Time, ttl time.Duration) bool {
	return c.Status == CredentialActive && c.FreshAt(now, ttl)
}
