// Package admission validates tickets at the gate. Scan and manual entry run
// the same checks and differ only in the method stored on the record.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/apperror"
	"ticketgate-backend/attendee"
	"ticketgate-backend/credential"
	"ticketgate-backend/models"
	"ticketgate-backend/publisher"
	"ticketgate-backend/staff"
	"ticketgate-backend/store"
)

type Machine struct {
	logger            *logrus.Logger
	store             store.Store
	credentials       *credential.Manager
	staff             *staff.Window
	attendees         attendee.Registry
	publisher         publisher.Publisher
	now               func() time.Time
	lastLoginInterval time.Duration
	timeout           time.Duration
}

type MachineProperty struct {
	Logger      *logrus.Logger
	Store       store.Store
	Credentials *credential.Manager
	Staff       *staff.Window
	Attendees   attendee.Registry
	Publisher   publisher.Publisher
	Now         func() time.Time
	// LastLoginInterval throttles writes of the grant's last-login
	// watermark.
	LastLoginInterval time.Duration
	Timeout           time.Duration
}

func NewMachine(props MachineProperty) *Machine {
	m := &Machine{
		logger:            props.Logger,
		store:             props.Store,
		credentials:       props.Credentials,
		staff:             props.Staff,
		attendees:         props.Attendees,
		publisher:         props.Publisher,
		now:               props.Now,
		lastLoginInterval: props.LastLoginInterval,
		timeout:           props.Timeout,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.attendees == nil {
		m.attendees = attendee.NewStoreRegistry(props.Logger, props.Store, m.now)
	}
	if m.publisher == nil {
		m.publisher = publisher.Nop{}
	}
	return m
}

func (m *Machine) AdmitByScan(ctx context.Context, principalID, code string) (models.AdmissionRecord, error) {
	return m.admit(ctx, principalID, code, models.MethodScan)
}

// AdmitManually is for codes typed in by the gate agent. It enforces expiry
// and single use exactly like a scan.
func (m *Machine) AdmitManually(ctx context.Context, principalID, code string) (models.AdmissionRecord, error) {
	return m.admit(ctx, principalID, code, models.MethodManual)
}

func (m *Machine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Machine) admit(ctx context.Context, principalID, code string, method models.AdmissionMethod) (models.AdmissionRecord, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var (
		record  models.AdmissionRecord
		ticket  models.Ticket
		overdue *models.Credential
	)
	err := m.store.InTx(ctx, store.TxOptions{Serializable: true}, func(tx store.Tx) error {
		overdue = nil
		now := m.now()

		grant, err := m.staff.Authorize(ctx, tx, principalID, now)
		if err != nil {
			return err
		}

		cred, err := m.credentials.Resolve(ctx, tx, code)
		if err != nil {
			return err
		}

		ticket, err = tx.LockTicket(ctx, cred.TicketID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperror.ErrCredentialOrphaned
			}
			return err
		}
		// Re-read under the ticket lock; a concurrent admission may have
		// consumed it since the first lookup.
		cred, err = m.credentials.Resolve(ctx, tx, code)
		if err != nil {
			return err
		}

		if ticket.EventID != grant.EventID {
			return apperror.ErrWrongEvent
		}

		if err := m.credentials.Check(cred, now); err != nil {
			if errors.Is(err, apperror.ErrCredentialExpired) && cred.Status == models.CredentialActive {
				overdue = &cred
			}
			return err
		}

		switch ticket.Status {
		case models.TicketPurchased:
		case models.TicketUsed:
			return apperror.ErrAlreadyAdmitted
		case models.TicketCancelled:
			return apperror.ErrTicketCancelled
		default:
			return apperror.ErrInvalidState
		}

		changed, err := tx.SetTicketStatus(ctx, ticket.ID, models.TicketPurchased, models.TicketUsed, now)
		if err != nil {
			return err
		}
		if !changed {
			return apperror.ErrAlreadyAdmitted
		}
		if err := m.credentials.Consume(ctx, tx, cred); err != nil {
			return err
		}

		record = models.AdmissionRecord{
			ID:           uuid.NewString(),
			TicketID:     ticket.ID,
			GrantID:      grant.ID,
			EventID:      ticket.EventID,
			CredentialID: cred.ID,
			Method:       method,
			Outcome:      models.OutcomeValid,
			ValidatedAt:  now,
		}
		if err := tx.CreateAdmission(ctx, record); err != nil {
			return err
		}

		if grant.LastLoginStale(now, m.lastLoginInterval) {
			if err := tx.TouchGrantLastLogin(ctx, grant.ID, now); err != nil {
				return err
			}
		}
		return nil
	})

	// Lazy expiry runs after the transaction so a rollback cannot undo it.
	if overdue != nil {
		m.credentials.ExpireLazily(ctx, *overdue)
	}

	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
			"principal_id": principalID,
			"method":       method,
		}).Warn("admission rejected")
		return models.AdmissionRecord{}, err
	}

	m.logger.WithContext(ctx).WithFields(logrus.Fields{
		"ticket_id":    record.TicketID,
		"event_id":     record.EventID,
		"admission_id": record.ID,
		"method":       method,
	}).Info("ticket admitted")

	if _, err := m.attendees.Register(ctx, ticket.EventID, ticket.PurchaserID); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("ticket_id", ticket.ID).Error("register attendee")
	}
	if err := m.publisher.PublishAdmission(ctx, record); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("admission_id", record.ID).Error("publish admission")
	}
	return record, nil
}

// Search previews the ticket behind code without admitting it. It applies
// the staff, scope and credential checks, so a consumed or superseded code
// is rejected, but not the ticket status check.
func (m *Machine) Search(ctx context.Context, principalID, code string) (models.TicketSummary, error) {
	now := m.now()
	grant, err := m.staff.Authorize(ctx, m.store, principalID, now)
	if err != nil {
		return models.TicketSummary{}, err
	}

	cred, err := m.credentials.Resolve(ctx, m.store, code)
	if err != nil {
		return models.TicketSummary{}, err
	}
	ticket, err := m.store.GetTicket(ctx, cred.TicketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.TicketSummary{}, apperror.ErrCredentialOrphaned
		}
		return models.TicketSummary{}, err
	}
	if ticket.EventID != grant.EventID {
		return models.TicketSummary{}, apperror.ErrWrongEvent
	}
	if err := m.credentials.Check(cred, now); err != nil {
		if errors.Is(err, apperror.ErrCredentialExpired) && cred.Status == models.CredentialActive {
			m.credentials.ExpireLazily(ctx, cred)
		}
		return models.TicketSummary{}, err
	}

	tt, err := m.store.GetTicketType(ctx, ticket.TicketTypeID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.TicketSummary{}, err
	}

	return models.TicketSummary{
		TicketID:       ticket.ID,
		TicketTypeID:   ticket.TicketTypeID,
		TicketTypeName: tt.Name,
		EventID:        ticket.EventID,
		PurchaserID:    ticket.PurchaserID,
		Price:          ticket.Price,
		Status:         ticket.Status,
		PublicCode:     cred.PublicCode,
		IssuedAt:       cred.IssuedAt,
		ExpiresAt:      cred.ExpiresAt(m.credentials.TTL()),
	}, nil
}

// History lists the admissions of the caller's event, newest first.
func (m *Machine) History(ctx context.Context, principalID string) ([]models.AdmissionRecord, error) {
	grant, err := m.staff.Authorize(ctx, m.store, principalID, m.now())
	if err != nil {
		return nil, err
	}
	return m.store.ListAdmissionsByEvent(ctx, grant.EventID)
}
