package models

import (
	"time"
)

// StaffGrant authorizes one gate principal to admit tickets for one event.
type StaffGrant struct {
	ID          string     `json:"id" db:"id"`
	PrincipalID string     `json:"principal_id" db:"principal_id"`
	EventID     string     `json:"event_id" db:"event_id"`
	OrganizerID string     `json:"organizer_id" db:"organizer_id"`
	Username    string     `json:"username" db:"username"`
	SecretHash  []byte     `json:"-" db:"secret_hash"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	ValidFrom   time.Time  `json:"valid_from" db:"valid_from"`
	ValidUntil  time.Time  `json:"valid_until" db:"valid_until"`
	LastLogin   *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// WithinWindow reports whether now ∈ [ValidFrom, ValidUntil].
func (g StaffGrant) WithinWindow(now time.Time) bool {
	return !now.Before(g.ValidFrom) && !now.After(g.ValidUntil)
}

// ValidAt is a pure function of (IsActive, ValidFrom, ValidUntil, now).
func (g StaffGrant) ValidAt(now time.Time) bool {
	return g.IsActive && g.WithinWindow(now)
}

// LastLoginStale reports whether the watermark is older than interval.
func (g StaffGrant) LastLoginStale(now time.Time, interval time.Duration) bool {
	if g.LastLogin == nil {
		return true
	}
	return now.Sub(*g.LastLogin) > interval
}

// IssuedGrant is returned exactly once, at creation or secret reset, and is
// the only value that ever carries the plaintext secret.
type IssuedGrant struct {
	GrantID     string    `json:"grant_id"`
	PrincipalID string    `json:"principal_id"`
	EventID     string    `json:"event_id"`
	Username    string    `json:"username"`
	Secret      string    `json:"secret"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"`
}
