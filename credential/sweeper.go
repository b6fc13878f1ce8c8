package credential

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ticketgate-backend/store"
)

// Sweeper periodically marks stale ACTIVE credentials EXPIRED. It only keeps
// the table tidy; validity is always decided by the TTL predicate at read
// time.
type Sweeper struct {
	logger   *logrus.Logger
	store    store.Queries
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(logger *logrus.Logger, s store.Queries, ttl, interval time.Duration, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{logger: logger, store: s, ttl: ttl, interval: interval, now: now}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("credential sweep failed")
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.store.ExpireStaleCredentials(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.WithContext(ctx).WithField("expired", n).Debug("swept stale credentials")
	}
	return n, nil
}
