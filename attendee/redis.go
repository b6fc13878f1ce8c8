package attendee

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisRegistry keeps one set per event under event:{id}:attendees.
type RedisRegistry struct {
	logger *logrus.Logger
	rdb    redis.UniversalClient
}

func NewRedisRegistry(logger *logrus.Logger, rdb redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{logger: logger, rdb: rdb}
}

func attendeesKey(eventID string) string {
	return fmt.Sprintf("event:%s:attendees", eventID)
}

func (r *RedisRegistry) Register(ctx context.Context, eventID, userID string) (bool, error) {
	added, err := r.rdb.SAdd(ctx, attendeesKey(eventID), userID).Result()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("event_id", eventID).Error("register attendee in redis")
		return false, err
	}
	if added == 0 {
		r.logger.WithContext(ctx).WithFields(logrus.Fields{
			"event_id": eventID,
			"user_id":  userID,
		}).Debug("attendee already registered")
	}
	return added > 0, nil
}

func (r *RedisRegistry) IsRegistered(ctx context.Context, eventID, userID string) (bool, error) {
	return r.rdb.SIsMember(ctx, attendeesKey(eventID), userID).Result()
}

