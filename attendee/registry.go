// Package attendee records which purchasers were admitted to an event. The
// registration is an idempotent set insert keyed by (event, user).
package attendee

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ticketgate-backend/models"
	"ticketgate-backend/store"
)

type Registry interface {
	// Register adds userID to the event's attendee set and reports whether
	// it was newly added.
	Register(ctx context.Context, eventID, userID string) (bool, error)
	IsRegistered(ctx context.Context, eventID, userID string) (bool, error)
}

// StoreRegistry keeps the attendee set in the primary store.
type StoreRegistry struct {
	logger *logrus.Logger
	q      store.Queries
	now    func() time.Time
}

func NewStoreRegistry(logger *logrus.Logger, q store.Queries, now func() time.Time) *StoreRegistry {
	if now == nil {
		now = time.Now
	}
	return &StoreRegistry{logger: logger, q: q, now: now}
}

func (r *StoreRegistry) Register(ctx context.Context, eventID, userID string) (bool, error) {
	added, err := r.q.UpsertAttendee(ctx, models.Attendee{
		EventID:      eventID,
		UserID:       userID,
		RegisteredAt: r.now(),
	})
	if err != nil {
		return false, err
	}
	if !added {
		r.logger.WithContext(ctx).WithFields(logrus.Fields{
			"event_id": eventID,
			"user_id":  userID,
		}).Debug("attendee already registered")
	}
	return added, nil
}

func (r *StoreRegistry) IsRegistered(ctx context.Context, eventID, userID string) (bool, error) {
	return r.q.IsAttendee(ctx, eventID, userID)
}

// Fanout registers in the primary registry and then in every mirror. The
// primary is authoritative for lookups, for the returned "added" flag and
// for the error. Mirror failures are logged and never returned.
type Fanout struct {
	logger  *logrus.Logger
	primary Registry
	mirrors []Registry
}

func NewFanout(logger *logrus.Logger, primary Registry, mirrors ...Registry) *Fanout {
	return &Fanout{logger: logger, primary: primary, mirrors: mirrors}
}

func (f *Fanout) Register(ctx context.Context, eventID, userID string) (bool, error) {
	added, err := f.primary.Register(ctx, eventID, userID)
	for _, m := range f.mirrors {
		if _, merr := m.Register(ctx, eventID, userID); merr != nil {
			f.logger.WithContext(ctx).WithError(merr).WithFields(logrus.Fields{
				"event_id": eventID,
				"user_id":  userID,
			}).Warn("attendee mirror registration failed")
		}
	}
	return added, err
}

func (f *Fanout) IsRegistered(ctx context.Context, eventID, userID string) (bool, error) {
	return f.primary.IsRegistered(ctx, eventID, userID)
}
