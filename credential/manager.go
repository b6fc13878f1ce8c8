// Package credential manages the rotating admission codes bound to tickets.
// At most one credential per ticket is ACTIVE; issuing a new one retires the
// previous one in the same transaction.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/apperror"
	"ticketgate-backend/models"
	"ticketgate-backend/store"
)

type Manager struct {
	logger      *logrus.Logger
	store       store.Store
	renderer    Renderer
	now         func() time.Time
	ttl         time.Duration
	codeLength  int
	maxAttempts int
	generate    func(n int) (string, error)
}

type ManagerProperty struct {
	Logger      *logrus.Logger
	Store       store.Store
	Renderer    Renderer
	Now         func() time.Time
	TTL         time.Duration
	CodeLength  int
	MaxAttempts int
	// Generate overrides the random code source.
	Generate func(n int) (string, error)
}

func NewManager(props ManagerProperty) *Manager {
	m := &Manager{
		logger:      props.Logger,
		store:       props.Store,
		renderer:    props.Renderer,
		now:         props.Now,
		ttl:         props.TTL,
		codeLength:  props.CodeLength,
		maxAttempts: props.MaxAttempts,
		generate:    props.Generate,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.renderer == nil {
		m.renderer = QRRenderer{}
	}
	if m.codeLength <= 0 {
		m.codeLength = 8
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = 10
	}
	if m.generate == nil {
		m.generate = GenerateCode
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

func notFound(err error, kind *apperror.Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return kind
	}
	return err
}

// usable rejects tickets that can never be admitted again.
func usable(t models.Ticket) error {
	switch t.Status {
	case models.TicketPurchased:
		return nil
	case models.TicketUsed:
		return apperror.ErrAlreadyAdmitted
	case models.TicketCancelled:
		return apperror.ErrTicketCancelled
	default:
		return apperror.ErrInvalidState
	}
}

// Issue retires the ticket's ACTIVE credential, if any, and creates a fresh
// one. A code that loses a uniqueness race replays the whole transaction.
func (m *Manager) Issue(ctx context.Context, ticketID string) (models.Credential, error) {
	return m.inTicketTx(ctx, ticketID, func(tx store.Tx, ticket models.Ticket) (models.Credential, error) {
		return m.issueLocked(ctx, tx, ticket)
	})
}

// EnsureActive returns the ticket's current credential while it is valid and
// issues a new one otherwise. Both paths run under the ticket lock, so
// concurrent callers converge on one code.
func (m *Manager) EnsureActive(ctx context.Context, ticketID string) (models.Credential, error) {
	return m.inTicketTx(ctx, ticketID, func(tx store.Tx, ticket models.Ticket) (models.Credential, error) {
		latest, err := tx.LatestCredential(ctx, ticket.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return models.Credential{}, err
		}
		if err == nil && latest.ValidAt(m.now(), m.ttl) {
			return latest, nil
		}
		return m.issueLocked(ctx, tx, ticket)
	})
}

func (m *Manager) inTicketTx(ctx context.Context, ticketID string, fn func(tx store.Tx, ticket models.Ticket) (models.Credential, error)) (models.Credential, error) {
	var cred models.Credential
	var err error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		err = m.store.InTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
			ticket, err := tx.LockTicket(ctx, ticketID)
			if err != nil {
				return notFound(err, apperror.ErrTicketNotFound)
			}
			if err := usable(ticket); err != nil {
				return err
			}
			cred, err = fn(tx, ticket)
			return err
		})
		if !errors.Is(err, store.ErrDuplicateCode) {
			return cred, err
		}
		m.logger.WithContext(ctx).WithField("ticket_id", ticketID).Debug("public code collided, retrying issuance")
	}
	return models.Credential{}, apperror.ErrUnavailable.WithMessage("could not allocate a unique code").Wrap(err)
}

func (m *Manager) issueLocked(ctx context.Context, tx store.Tx, ticket models.Ticket) (models.Credential, error) {
	retired, err := tx.ExpireActiveCredentials(ctx, ticket.ID)
	if err != nil {
		return models.Credential{}, err
	}

	code, err := m.uniqueCode(ctx, tx)
	if err != nil {
		return models.Credential{}, err
	}

	cred := models.Credential{
		ID:         uuid.NewString(),
		TicketID:   ticket.ID,
		PublicCode: code,
		Status:     models.CredentialActive,
		IssuedAt:   m.now(),
	}
	if err := tx.CreateCredential(ctx, cred); err != nil {
		return models.Credential{}, err
	}

	m.logger.WithContext(ctx).WithFields(logrus.Fields{
		"ticket_id": ticket.ID,
		"retired":   retired,
	}).Info("credential issued")
	return cred, nil
}

func (m *Manager) uniqueCode(ctx context.Context, q store.Queries) (string, error) {
	for i := 0; i < m.maxAttempts; i++ {
		code, err := m.generate(m.codeLength)
		if err != nil {
			return "", err
		}
		code = NormalizeCode(code)
		exists, err := q.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", store.ErrDuplicateCode
}

// GetActive returns the ticket's valid credential. A credential found past
// its TTL is lazily marked EXPIRED and reported as absent.
func (m *Manager) GetActive(ctx context.Context, ticketID string) (models.Credential, bool, error) {
	c, err := m.store.LatestCredential(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Credential{}, false, nil
	}
	if err != nil {
		return models.Credential{}, false, err
	}
	if c.Status != models.CredentialActive {
		return models.Credential{}, false, nil
	}
	if !c.FreshAt(m.now(), m.ttl) {
		m.ExpireLazily(ctx, c)
		return models.Credential{}, false, nil
	}
	return c, true, nil
}

// ActiveForHolder is GetActive restricted to the ticket's purchaser.
func (m *Manager) ActiveForHolder(ctx context.Context, purchaserID, ticketID string) (models.Credential, bool, error) {
	if _, err := m.ownedTicket(ctx, purchaserID, ticketID); err != nil {
		return models.Credential{}, false, err
	}
	return m.GetActive(ctx, ticketID)
}

// Render returns the ticket's code as an image, issuing a new code if the
// current one is absent or expired. Re-rendering within the TTL yields the
// same code.
func (m *Manager) Render(ctx context.Context, purchaserID, ticketID string) ([]byte, models.Credential, error) {
	if _, err := m.ownedTicket(ctx, purchaserID, ticketID); err != nil {
		return nil, models.Credential{}, err
	}
	cred, err := m.EnsureActive(ctx, ticketID)
	if err != nil {
		return nil, models.Credential{}, err
	}
	img, err := m.renderer.Render(cred.PublicCode)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Error("render credential image")
		return nil, models.Credential{}, apperror.ErrInternal.Wrap(err)
	}
	return img, cred, nil
}

func (m *Manager) ownedTicket(ctx context.Context, purchaserID, ticketID string) (models.Ticket, error) {
	t, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, notFound(err, apperror.ErrTicketNotFound)
	}
	if t.PurchaserID != purchaserID {
		return models.Ticket{}, apperror.ErrTicketNotFound
	}
	return t, nil
}

// ExpireLazily flips an overdue credential to EXPIRED outside any
// transaction. It is best effort and only ever moves ACTIVE to EXPIRED.
func (m *Manager) ExpireLazily(ctx context.Context, c models.Credential) {
	changed, err := m.store.ExpireCredential(ctx, c.ID)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("credential_id", c.ID).Warn("lazy credential expiry failed")
		return
	}
	if changed {
		m.logger.WithContext(ctx).WithField("credential_id", c.ID).Debug("credential lazily expired")
	}
}

// Resolve looks a code up through q, which may be a transaction.
func (m *Manager) Resolve(ctx context.Context, q store.Queries, code string) (models.Credential, error) {
	code = NormalizeCode(code)
	if code == "" {
		return models.Credential{}, apperror.ErrInvalidArgument.WithMessage("code is required")
	}
	c, err := q.GetCredentialByCode(ctx, code)
	if err != nil {
		return models.Credential{}, notFound(err, apperror.ErrCredentialNotFound)
	}
	if c.TicketID == "" {
		return models.Credential{}, apperror.ErrCredentialOrphaned
	}
	return c, nil
}

// Check applies the validity predicate. Expiry is reported before status so
// a consumed code past its TTL reads as expired.
func (m *Manager) Check(c models.Credential, now time.Time) error {
	if !c.FreshAt(now, m.ttl) {
		ago := now.Sub(c.ExpiresAt(m.ttl)).Round(time.Minute)
		return apperror.ErrCredentialExpired.WithMessage(fmt.Sprintf("code expired %s ago, the attendee must regenerate it", ago))
	}
	if c.Status != models.CredentialActive {
		return apperror.ErrCredentialAlreadyUsed
	}
	return nil
}

// Consume retires c as used. It takes a transaction so it can only run
// inside the admission's atomic section, together with the ticket update.
func (m *Manager) Consume(ctx context.Context, tx store.Tx, c models.Credential) error {
	changed, err := tx.ExpireCredential(ctx, c.ID)
	if err != nil {
		return err
	}
	if !changed {
		return apperror.ErrCredentialAlreadyUsed
	}
	return nil
}
