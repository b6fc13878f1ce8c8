// Package store is the persistence substrate: row-scoped locks, transactions
// and the tables of the ticketing subsystem. Two implementations exist, an
// in-memory arena used by tests and single-node deployments, and Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"ticketgate-backend/models"
)

var (
	// ErrNotFound is returned by lookups that match no row. Services
	// translate it into the domain-specific not-found kind.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateCode is returned when a credential's public code is
	// already taken.
	ErrDuplicateCode = errors.New("store: duplicate public code")
)

// Queries are single-statement operations. Outside a transaction each call
// commits on its own.
type Queries interface {
	GetEvent(ctx context.Context, id string) (models.Event, error)
	GetTicketType(ctx context.Context, id string) (models.TicketType, error)
	SetTicketTypeAvailable(ctx context.Context, id string, available int) error

	CreateTicket(ctx context.Context, t models.Ticket) error
	GetTicket(ctx context.Context, id string) (models.Ticket, error)
	ListTicketsByPurchaser(ctx context.Context, purchaserID string) ([]models.Ticket, error)
	// SetTicketStatus moves a ticket from one status to another and reports
	// whether the row was in the expected status.
	SetTicketStatus(ctx context.Context, id string, from, to models.TicketStatus, at time.Time) (bool, error)

	CodeExists(ctx context.Context, code string) (bool, error)
	CreateCredential(ctx context.Context, c models.Credential) error
	GetCredentialByCode(ctx context.Context, code string) (models.Credential, error)
	LatestCredential(ctx context.Context, ticketID string) (models.Credential, error)
	// ExpireCredential flips one credential ACTIVE -> EXPIRED and reports
	// whether it changed. It never touches a credential in any other state.
	ExpireCredential(ctx context.Context, id string) (bool, error)
	// ExpireActiveCredentials retires every ACTIVE credential of a ticket.
	ExpireActiveCredentials(ctx context.Context, ticketID string) (int, error)
	// ExpireStaleCredentials retires ACTIVE credentials issued before cutoff.
	ExpireStaleCredentials(ctx context.Context, cutoff time.Time) (int, error)

	CreateGrant(ctx context.Context, g models.StaffGrant) error
	GetGrant(ctx context.Context, id string) (models.StaffGrant, error)
	GetGrantByPrincipal(ctx context.Context, principalID string) (models.StaffGrant, error)
	ListGrantsByEvent(ctx context.Context, eventID string) ([]models.StaffGrant, error)
	// DeactivateGrant clears is_active. Nothing in the store sets it again.
	DeactivateGrant(ctx context.Context, id string) error
	// ExtendGrant moves valid_until out by d relative to its stored value
	// and returns the new end of the window.
	ExtendGrant(ctx context.Context, id string, d time.Duration) (time.Time, error)
	SetGrantSecret(ctx context.Context, id string, hash []byte) error
	TouchGrantLastLogin(ctx context.Context, id string, at time.Time) error

	CreateAdmission(ctx context.Context, r models.AdmissionRecord) error
	ListAdmissionsByEvent(ctx context.Context, eventID string) ([]models.AdmissionRecord, error)
	CountAdmissionsByTicket(ctx context.Context, ticketID string) (int, error)

	// UpsertAttendee is an idempotent insert keyed by (event, user). It
	// reports whether a new row was created.
	UpsertAttendee(ctx context.Context, a models.Attendee) (bool, error)
	IsAttendee(ctx context.Context, eventID, userID string) (bool, error)
	ListAttendees(ctx context.Context, eventID string) ([]models.Attendee, error)
}

// Tx is a transaction. Locks taken through it are held until it ends.
// Lock order is always ticket type before ticket.
type Tx interface {
	Queries
	// LockTicketType takes the exclusive capacity lock of a ticket type.
	LockTicketType(ctx context.Context, id string) (models.TicketType, error)
	// LockTicket takes the exclusive lock of a ticket row.
	LockTicket(ctx context.Context, id string) (models.Ticket, error)
}

type TxOptions struct {
	Serializable bool
}

// Store is implemented by Memory and Postgres.
type Store interface {
	Queries
	// InTx runs fn in one transaction. Any error returned by fn rolls back
	// every write fn made.
	InTx(ctx context.Context, opts TxOptions, fn func(tx Tx) error) error
	// CreateEvent and CreateTicketType seed catalog rows owned by the
	// external catalog service.
	CreateEvent(ctx context.Context, e models.Event) error
	CreateTicketType(ctx context.Context, tt models.TicketType) error
	Ping(ctx context.Context) error
	Close() error
}
