// Package staff issues and manages time-boxed gate authorizations. A grant
// admits tickets for exactly one event while it is active and inside its
// validity window; both conditions are evaluated on every request.
package staff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"ticketgate-backend/apperror"
	"ticketgate-backend/credential"
	"ticketgate-backend/models"
	"ticketgate-backend/store"
)

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%"

type Window struct {
	logger           *logrus.Logger
	store            store.Store
	validate         *validator.Validate
	now              func() time.Time
	maxBatch         int
	maxValidityHours int
	secretLength     int
	hashCost         int
}

type WindowProperty struct {
	Logger           *logrus.Logger
	Store            store.Store
	Validate         *validator.Validate
	Now              func() time.Time
	MaxBatch         int
	MaxValidityHours int
	SecretLength     int
	// HashCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	HashCost int
}

func NewWindow(props WindowProperty) *Window {
	w := &Window{
		logger:           props.Logger,
		store:            props.Store,
		validate:         props.Validate,
		now:              props.Now,
		maxBatch:         props.MaxBatch,
		maxValidityHours: props.MaxValidityHours,
		secretLength:     props.SecretLength,
		hashCost:         props.HashCost,
	}
	if w.validate == nil {
		w.validate = validator.New()
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.maxBatch <= 0 {
		w.maxBatch = 100
	}
	if w.maxValidityHours <= 0 {
		w.maxValidityHours = 8760
	}
	if w.secretLength <= 0 {
		w.secretLength = 12
	}
	if w.hashCost == 0 {
		w.hashCost = bcrypt.DefaultCost
	}
	return w
}

type grantRequest struct {
	OrganizerID string `validate:"required"`
	EventID     string `validate:"required"`
	Count       int    `validate:"gte=1"`
	TTLHours    int    `validate:"gte=1"`
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.ErrInvalidArgument.Wrap(err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("invalid '%s' with value '%v'", fe.Field(), fe.Value())
	}
	return apperror.ErrInvalidArgument.WithMessage(strings.Join(msgs, ", "))
}

func notFound(err error, kind *apperror.Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return kind
	}
	return err
}

// Grant creates count independent principals for eventID, each valid for
// ttlHours from now. The plaintext secrets are only ever returned here.
func (w *Window) Grant(ctx context.Context, organizerID, eventID string, count, ttlHours int) ([]models.IssuedGrant, error) {
	req := grantRequest{OrganizerID: organizerID, EventID: eventID, Count: count, TTLHours: ttlHours}
	if err := w.validate.StructCtx(ctx, req); err != nil {
		return nil, invalid(err)
	}
	if count > w.maxBatch {
		return nil, apperror.ErrInvalidArgument.WithMessage(fmt.Sprintf("number of staff must be between 1 and %d", w.maxBatch))
	}
	if ttlHours > w.maxValidityHours {
		return nil, apperror.ErrInvalidArgument.WithMessage(fmt.Sprintf("validity hours must be between 1 and %d", w.maxValidityHours))
	}

	if err := w.requireOrganizer(ctx, organizerID, eventID); err != nil {
		return nil, err
	}

	validFrom := w.now()
	validUntil := validFrom.Add(time.Duration(ttlHours) * time.Hour)

	issued := make([]models.IssuedGrant, 0, count)
	err := w.store.InTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		for i := 0; i < count; i++ {
			secret, hash, err := w.newSecret()
			if err != nil {
				return err
			}
			principalID := uuid.NewString()
			g := models.StaffGrant{
				ID:          uuid.NewString(),
				PrincipalID: principalID,
				EventID:     eventID,
				OrganizerID: organizerID,
				Username:    "staff_" + strings.ReplaceAll(principalID, "-", "")[:8],
				SecretHash:  hash,
				IsActive:    true,
				ValidFrom:   validFrom,
				ValidUntil:  validUntil,
				CreatedAt:   validFrom,
			}
			if err := tx.CreateGrant(ctx, g); err != nil {
				return err
			}
			issued = append(issued, models.IssuedGrant{
				GrantID:     g.ID,
				PrincipalID: g.PrincipalID,
				EventID:     eventID,
				Username:    g.Username,
				Secret:      secret,
				ValidFrom:   validFrom,
				ValidUntil:  validUntil,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.WithContext(ctx).WithFields(logrus.Fields{
		"organizer_id": organizerID,
		"event_id":     eventID,
		"count":        count,
		"ttl_hours":    ttlHours,
	}).Info("staff grants issued")
	return issued, nil
}

// Revoke deactivates a grant. Deactivation is permanent.
func (w *Window) Revoke(ctx context.Context, organizerID, eventID, grantID string) error {
	if _, err := w.ownedGrant(ctx, organizerID, eventID, grantID); err != nil {
		return err
	}
	if err := w.store.DeactivateGrant(ctx, grantID); err != nil {
		return notFound(err, apperror.ErrGrantNotFound)
	}
	w.logger.WithContext(ctx).WithField("grant_id", grantID).Info("staff grant revoked")
	return nil
}

// Extend pushes validUntil out by hours. It never shortens the window and
// only writes valid_until, so a revoked grant stays revoked.
func (w *Window) Extend(ctx context.Context, organizerID, eventID, grantID string, hours int) (models.StaffGrant, error) {
	if hours <= 0 {
		return models.StaffGrant{}, apperror.ErrInvalidArgument.WithMessage("additional hours must be positive")
	}
	if _, err := w.ownedGrant(ctx, organizerID, eventID, grantID); err != nil {
		return models.StaffGrant{}, err
	}
	if _, err := w.store.ExtendGrant(ctx, grantID, time.Duration(hours)*time.Hour); err != nil {
		return models.StaffGrant{}, notFound(err, apperror.ErrGrantNotFound)
	}
	g, err := w.store.GetGrant(ctx, grantID)
	if err != nil {
		return models.StaffGrant{}, notFound(err, apperror.ErrGrantNotFound)
	}
	w.logger.WithContext(ctx).WithFields(logrus.Fields{
		"grant_id":    grantID,
		"valid_until": g.ValidUntil,
	}).Info("staff grant extended")
	return g, nil
}

// ResetSecret replaces the grant's secret and returns the new plaintext.
func (w *Window) ResetSecret(ctx context.Context, organizerID, eventID, grantID string) (string, error) {
	if _, err := w.ownedGrant(ctx, organizerID, eventID, grantID); err != nil {
		return "", err
	}
	secret, hash, err := w.newSecret()
	if err != nil {
		return "", err
	}
	if err := w.store.SetGrantSecret(ctx, grantID, hash); err != nil {
		return "", notFound(err, apperror.ErrGrantNotFound)
	}
	w.logger.WithContext(ctx).WithField("grant_id", grantID).Info("staff secret reset")
	return secret, nil
}

// List returns the event's grants without secrets.
func (w *Window) List(ctx context.Context, organizerID, eventID string) ([]models.StaffGrant, error) {
	if err := w.requireOrganizer(ctx, organizerID, eventID); err != nil {
		return nil, err
	}
	return w.store.ListGrantsByEvent(ctx, eventID)
}

// Attendees lists the purchasers admitted to the event so far.
func (w *Window) Attendees(ctx context.Context, organizerID, eventID string) ([]models.Attendee, error) {
	if err := w.requireOrganizer(ctx, organizerID, eventID); err != nil {
		return nil, err
	}
	return w.store.ListAttendees(ctx, eventID)
}

// Authorize resolves principalID's grant through q and applies the validity
// predicate at now. It never caches.
func (w *Window) Authorize(ctx context.Context, q store.Queries, principalID string, now time.Time) (models.StaffGrant, error) {
	g, err := q.GetGrantByPrincipal(ctx, principalID)
	if err != nil {
		return models.StaffGrant{}, notFound(err, apperror.ErrStaffNotFound)
	}
	if !g.IsActive {
		w.logger.WithContext(ctx).WithField("principal_id", principalID).Warn("inactive staff attempted an admission action")
		return models.StaffGrant{}, apperror.ErrStaffInactive
	}
	if !g.WithinWindow(now) {
		w.logger.WithContext(ctx).WithField("principal_id", principalID).Warn("staff credentials outside their validity window")
		return models.StaffGrant{}, apperror.ErrStaffExpired
	}
	return g, nil
}

func (w *Window) requireOrganizer(ctx context.Context, organizerID, eventID string) error {
	event, err := w.store.GetEvent(ctx, eventID)
	if err != nil {
		return notFound(err, apperror.ErrEventNotFound)
	}
	if event.OrganizerID != organizerID {
		return apperror.ErrNotOwner.WithMessage("you don't organise this event")
	}
	return nil
}

func (w *Window) ownedGrant(ctx context.Context, organizerID, eventID, grantID string) (models.StaffGrant, error) {
	if err := w.requireOrganizer(ctx, organizerID, eventID); err != nil {
		return models.StaffGrant{}, err
	}
	g, err := w.store.GetGrant(ctx, grantID)
	if err != nil {
		return models.StaffGrant{}, notFound(err, apperror.ErrGrantNotFound)
	}
	if g.EventID != eventID || g.OrganizerID != organizerID {
		return models.StaffGrant{}, apperror.ErrNotOwner.WithMessage("you don't have permission to manage this staff")
	}
	return g, nil
}

func (w *Window) newSecret() (string, []byte, error) {
	secret, err := credential.RandomString(secretAlphabet, w.secretLength)
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), w.hashCost)
	if err != nil {
		return "", nil, err
	}
	return secret, hash, nil
}
