// Package inventory owns ticket-type capacity. The remaining counter is only
// ever written here, under the ticket type's exclusive lock.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/apperror"
	"ticketgate-backend/models"
	"ticketgate-backend/store"
)

type Allocator struct {
	logger  *logrus.Logger
	store   store.Store
	now     func() time.Time
	timeout time.Duration
}

type AllocatorProperty struct {
	Logger  *logrus.Logger
	Store   store.Store
	Now     func() time.Time
	Timeout time.Duration
}

func NewAllocator(props AllocatorProperty) *Allocator {
	now := props.Now
	if now == nil {
		now = time.Now
	}
	return &Allocator{
		logger:  props.Logger,
		store:   props.Store,
		now:     now,
		timeout: props.Timeout,
	}
}

func (a *Allocator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func notFound(err error, kind *apperror.Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return kind
	}
	return err
}

// Reserve sells one unit of a ticket type to purchaserID. The sales-window
// check, the decrement and the ticket insert happen under the ticket type's
// lock in one transaction, so two buyers racing for the last unit cannot
// both succeed.
func (a *Allocator) Reserve(ctx context.Context, purchaserID, ticketTypeID string) (models.Ticket, error) {
	if purchaserID == "" || ticketTypeID == "" {
		return models.Ticket{}, apperror.ErrInvalidArgument.WithMessage("purchaser and ticket type are required")
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var ticket models.Ticket
	err := a.store.InTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		tt, err := tx.LockTicketType(ctx, ticketTypeID)
		if err != nil {
			return notFound(err, apperror.ErrTicketTypeNotFound)
		}

		event, err := tx.GetEvent(ctx, tt.EventID)
		if err != nil {
			return notFound(err, apperror.ErrEventNotFound)
		}

		now := a.now()
		if !event.SalesOpenAt(now) {
			if !event.SalesStart.IsZero() && now.Before(event.SalesStart) {
				return apperror.ErrSalesWindowClosed.WithMessage("ticket sales have not started yet")
			}
			return apperror.ErrSalesWindowClosed.WithMessage("ticket sales have ended")
		}

		if tt.TotalAvailable <= 0 {
			return apperror.ErrSoldOut
		}

		if err := tx.SetTicketTypeAvailable(ctx, tt.ID, tt.TotalAvailable-1); err != nil {
			return err
		}

		ticket = models.Ticket{
			ID:           uuid.NewString(),
			TicketTypeID: tt.ID,
			EventID:      tt.EventID,
			PurchaserID:  purchaserID,
			Price:        tt.Price,
			Status:       models.TicketPurchased,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.CreateTicket(ctx, ticket)
	})
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
			"ticket_type_id": ticketTypeID,
			"purchaser_id":   purchaserID,
		}).Warn("ticket purchase rejected")
		return models.Ticket{}, err
	}

	a.logger.WithContext(ctx).WithFields(logrus.Fields{
		"ticket_id":      ticket.ID,
		"ticket_type_id": ticketTypeID,
	}).Info("ticket purchased")
	return ticket, nil
}

// Release cancels a PURCHASED ticket and gives its unit back. Locks are
// taken ticket type first, then ticket.
func (a *Allocator) Release(ctx context.Context, purchaserID, ticketID string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	current, err := a.store.GetTicket(ctx, ticketID)
	if err != nil {
		return notFound(err, apperror.ErrTicketNotFound)
	}
	if current.PurchaserID != purchaserID {
		return apperror.ErrNotOwner.WithMessage("this ticket does not belong to this user")
	}

	err = a.store.InTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		tt, err := tx.LockTicketType(ctx, current.TicketTypeID)
		if err != nil {
			return notFound(err, apperror.ErrTicketTypeNotFound)
		}
		ticket, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return notFound(err, apperror.ErrTicketNotFound)
		}

		switch ticket.Status {
		case models.TicketPurchased:
		case models.TicketUsed:
			return apperror.ErrInvalidTicketState.WithMessage("cannot cancel a used ticket")
		case models.TicketCancelled:
			return apperror.ErrInvalidTicketState.WithMessage("ticket already cancelled")
		default:
			return apperror.ErrInvalidTicketState
		}

		changed, err := tx.SetTicketStatus(ctx, ticket.ID, models.TicketPurchased, models.TicketCancelled, a.now())
		if err != nil {
			return err
		}
		if !changed {
			return apperror.ErrInvalidTicketState
		}
		return tx.SetTicketTypeAvailable(ctx, tt.ID, tt.TotalAvailable+1)
	})
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).WithField("ticket_id", ticketID).Warn("ticket cancellation rejected")
		return err
	}

	a.logger.WithContext(ctx).WithField("ticket_id", ticketID).Info("ticket cancelled")
	return nil
}

// Remaining returns the unsold capacity of a ticket type.
func (a *Allocator) Remaining(ctx context.Context, ticketTypeID string) (int, error) {
	tt, err := a.store.GetTicketType(ctx, ticketTypeID)
	if err != nil {
		return 0, notFound(err, apperror.ErrTicketTypeNotFound)
	}
	return tt.TotalAvailable, nil
}

func (a *Allocator) Tickets(ctx context.Context, purchaserID string) ([]models.Ticket, error) {
	return a.store.ListTicketsByPurchaser(ctx, purchaserID)
}

// Ticket returns one of the purchaser's tickets. Tickets held by someone
// else read as not found.
func (a *Allocator) Ticket(ctx context.Context, purchaserID, ticketID string) (models.Ticket, error) {
	t, err := a.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, notFound(err, apperror.ErrTicketNotFound)
	}
	if t.PurchaserID != purchaserID {
		return models.Ticket{}, apperror.ErrTicketNotFound
	}
	return t, nil
}
