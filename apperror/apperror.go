package apperror

import (
	"errors"
	"net/http"
)

// Kind identifies a class of failure. Clients switch on it to show distinct
// messaging ("sold out" vs "already used").
type Kind string

const (
	KindSoldOut            Kind = "SOLD_OUT"
	KindSalesWindowClosed  Kind = "SALES_WINDOW_CLOSED"
	KindInvalidTicketState Kind = "INVALID_TICKET_STATE"

	KindAlreadyAdmitted       Kind = "ALREADY_ADMITTED"
	KindTicketCancelled       Kind = "TICKET_CANCELLED"
	KindInvalidState          Kind = "INVALID_STATE"
	KindCredentialAlreadyUsed Kind = "CREDENTIAL_ALREADY_USED"
	KindCredentialExpired     Kind = "CREDENTIAL_EXPIRED"

	KindNotOwner      Kind = "NOT_OWNER"
	KindStaffNotFound Kind = "STAFF_NOT_FOUND"
	KindStaffInactive Kind = "STAFF_INACTIVE"
	KindStaffExpired  Kind = "STAFF_EXPIRED"
	KindWrongEvent    Kind = "WRONG_EVENT"

	KindCredentialNotFound Kind = "CREDENTIAL_NOT_FOUND"
	KindCredentialOrphaned Kind = "CREDENTIAL_ORPHANED"
	KindTicketNotFound     Kind = "TICKET_NOT_FOUND"
	KindTicketTypeNotFound Kind = "TICKET_TYPE_NOT_FOUND"
	KindEventNotFound      Kind = "EVENT_NOT_FOUND"
	KindGrantNotFound      Kind = "GRANT_NOT_FOUND"

	KindInvalidArgument Kind = "INVALID_ARGUMENT"

	KindLockTimeout Kind = "LOCK_TIMEOUT"
	KindUnavailable Kind = "UNAVAILABLE"
	KindInternal    Kind = "INTERNAL"
)

// Error is the single error type returned by the services. Two errors are
// considered equal by errors.Is when their kinds match, so sentinels can be
// re-issued with a more specific message.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Message    string
	Retryable  bool
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithMessage returns a copy of e carrying msg.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// Wrap returns a copy of e that unwraps to cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

func newKind(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, HTTPStatus: status, Message: msg}
}

// Code and ticket lookups share one status and message so a guesser cannot
// tell which half of the lookup failed.
const notFoundMessage = "no ticket matches the supplied code"

var (
	ErrSoldOut            = newKind(KindSoldOut, http.StatusConflict, "tickets sold out for this ticket type")
	ErrSalesWindowClosed  = newKind(KindSalesWindowClosed, http.StatusConflict, "ticket sales are not open")
	ErrInvalidTicketState = newKind(KindInvalidTicketState, http.StatusConflict, "ticket cannot be cancelled in its current state")

	ErrAlreadyAdmitted       = newKind(KindAlreadyAdmitted, http.StatusConflict, "ticket has already been used for entry")
	ErrTicketCancelled       = newKind(KindTicketCancelled, http.StatusConflict, "ticket has been cancelled")
	ErrInvalidState          = newKind(KindInvalidState, http.StatusConflict, "ticket is not in an admissible state")
	ErrCredentialAlreadyUsed = newKind(KindCredentialAlreadyUsed, http.StatusConflict, "code has already been used")
	ErrCredentialExpired     = newKind(KindCredentialExpired, http.StatusGone, "code has expired, the attendee must regenerate it")

	ErrNotOwner      = newKind(KindNotOwner, http.StatusForbidden, "not authorized to manage this resource")
	ErrStaffNotFound = newKind(KindStaffNotFound, http.StatusForbidden, "staff member not found")
	ErrStaffInactive = newKind(KindStaffInactive, http.StatusForbidden, "staff account is inactive, contact the organiser")
	ErrStaffExpired  = newKind(KindStaffExpired, http.StatusForbidden, "staff credentials are outside their validity window, contact the organiser")
	ErrWrongEvent    = newKind(KindWrongEvent, http.StatusForbidden, "this ticket is for a different event")

	ErrCredentialNotFound = newKind(KindCredentialNotFound, http.StatusNotFound, notFoundMessage)
	ErrCredentialOrphaned = newKind(KindCredentialOrphaned, http.StatusNotFound, notFoundMessage)
	ErrTicketNotFound     = newKind(KindTicketNotFound, http.StatusNotFound, notFoundMessage)
	ErrTicketTypeNotFound = newKind(KindTicketTypeNotFound, http.StatusNotFound, "ticket type not found")
	ErrEventNotFound      = newKind(KindEventNotFound, http.StatusNotFound, "event not found")
	ErrGrantNotFound      = newKind(KindGrantNotFound, http.StatusNotFound, "staff grant not found")

	ErrInvalidArgument = newKind(KindInvalidArgument, http.StatusBadRequest, "invalid argument")

	ErrLockTimeout = &Error{Kind: KindLockTimeout, HTTPStatus: http.StatusServiceUnavailable, Message: "timed out waiting for a lock, retry the request", Retryable: true}
	ErrUnavailable = &Error{Kind: KindUnavailable, HTTPStatus: http.StatusServiceUnavailable, Message: "storage temporarily unavailable, retry the request", Retryable: true}
	ErrInternal    = newKind(KindInternal, http.StatusInternalServerError, "an internal error occurred")
)

// Destruct converts any error into an *Error. Errors that are not already
// classified are reported as internal.
func Destruct(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return ErrInternal.Wrap(err)
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Retryable
}
