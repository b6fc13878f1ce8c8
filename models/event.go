package models

import (
	"time"
)

// Event is the slice of the catalog this subsystem consults: the sales
// window and the organiser who owns it.
type Event struct {
	ID          string    `json:"id" db:"id"`
	OrganizerID string    `json:"organizer_id" db:"organizer_id"`
	Name        string    `json:"name" db:"name"`
	SalesStart  time.Time `json:"sales_start" db:"sales_start"`
	SalesEnd    time.Time `json:"sales_end" db:"sales_end"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SalesOpenAt reports whether now lies within [SalesStart, SalesEnd].
// An event without a configured window never sells.
func (e Event) SalesOpenAt(now time.Time) bool {
	if e.SalesStart.IsZero() || e.SalesEnd.IsZero() {
		return false
	}
	return !now.Before(e.SalesStart) && !now.After(e.SalesEnd)
}

// TicketType carries the remaining-capacity counter. TotalAvailable is only
// written by the inventory allocator and never drops below zero.
type TicketType struct {
	ID             string  `json:"id" db:"id"`
	EventID        string  `json:"event_id" db:"event_id"`
	Name           string  `json:"name" db:"name"`
	Price          float64 `json:"price" db:"price"`
	TotalAvailable int     `json:"total_available" db:"total_available"`
}
