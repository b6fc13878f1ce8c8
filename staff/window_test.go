package staff

import (
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"ticketgate-backend/apperror"
	"ticketgate-backend/models"
	"ticketgate-backend/store"
)

var (
	start       = time.Date(2026, 7, 4, 16, 0, 0, 0, time.UTC)
	usernameRe  = regexp.MustCompile(`^staff_[0-9a-f]{8}$`)
	secretRunes = regexp.MustCompile(`^[A-Za-z0-9!@#$%]{12}$`)
)

func newTestWindow(t *testing.T) (*Window, *store.Memory, *time.Time) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory(time.Second)
	for _, e := range []models.Event{
		{ID: "event-1", OrganizerID: "org-1"},
		{ID: "event-2", OrganizerID: "org-2"},
	} {
		if err := mem.CreateEvent(ctx, e); err != nil {
			t.Fatalf("CreateEvent() error: %v", err)
		}
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	now := start
	w := NewWindow(WindowProperty{
		Logger:   logger,
		Store:    mem,
		Now:      func() time.Time { return now },
		HashCost: bcrypt.MinCost,
	})
	return w, mem, &now
}

func secretMatches(g models.StaffGrant, secret string) bool {
	return bcrypt.CompareHashAndPassword(g.SecretHash, []byte(secret)) == nil
}

// stallingStore parks the first GetGrant after it has read the row, so a
// second writer can commit in between.
type stallingStore struct {
	store.Store
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (s *stallingStore) GetGrant(ctx context.Context, id string) (models.StaffGrant, error) {
	g, err := s.Store.GetGrant(ctx, id)
	s.once.Do(func() {
		close(s.read)
		<-s.resume
	})
	return g, err
}

func TestGrant(t *testing.T) {
	t.Parallel()
	w, mem, _ := newTestWindow(t)
	ctx := context.Background()

	issued, err := w.Grant(ctx, "org-1", "event-1", 3, 8)
	if err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	if len(issued) != 3 {
		t.Fatalf("Grant() issued %d grants, want 3", len(issued))
	}

	principals := make(map[string]bool)
	for _, g := range issued {
		if !usernameRe.MatchString(g.Username) {
			t.Errorf("username %q does not match %s", g.Username, usernameRe)
		}
		if !secretRunes.MatchString(g.Secret) {
			t.Errorf("secret %q has the wrong shape", g.Secret)
		}
		if !g.ValidFrom.Equal(start) || !g.ValidUntil.Equal(start.Add(8*time.Hour)) {
			t.Errorf("window = [%v, %v], want [%v, %v]", g.ValidFrom, g.ValidUntil, start, start.Add(8*time.Hour))
		}
		principals[g.PrincipalID] = true

		stored, err := mem.GetGrant(ctx, g.GrantID)
		if err != nil {
			t.Fatalf("GetGrant() error: %v", err)
		}
		if string(stored.SecretHash) == g.Secret {
			t.Fatal("secret stored in plaintext")
		}
		if !secretMatches(stored, g.Secret) {
			t.Fatal("stored hash rejected the issued secret")
		}
		if !stored.IsActive || stored.OrganizerID != "org-1" {
			t.Fatalf("unexpected stored grant: %+v", stored)
		}
	}
	if len(principals) != 3 {
		t.Fatalf("grants share principals: %v", principals)
	}

	list, err := w.List(ctx, "org-1", "event-1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() returned %d grants, want 3", len(list))
	}
}

func TestGrantValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		organizer string
		event     string
		count     int
		hours     int
		want      *apperror.Error
	}{
		{"zero count", "org-1", "event-1", 0, 8, apperror.ErrInvalidArgument},
		{"count over limit", "org-1", "event-1", 101, 8, apperror.ErrInvalidArgument},
		{"zero hours", "org-1", "event-1", 1, 0, apperror.ErrInvalidArgument},
		{"hours over limit", "org-1", "event-1", 1, 8761, apperror.ErrInvalidArgument},
		{"missing event", "org-1", "", 1, 8, apperror.ErrInvalidArgument},
		{"unknown event", "org-1", "event-9", 1, 8, apperror.ErrEventNotFound},
		{"not the organiser", "org-2", "event-1", 1, 8, apperror.ErrNotOwner},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, mem, _ := newTestWindow(t)
			_, err := w.Grant(context.Background(), tt.organizer, tt.event, tt.count, tt.hours)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Grant() error = %v, want %s", err, tt.want.Kind)
			}
			grants, _ := mem.ListGrantsByEvent(context.Background(), "event-1")
			if len(grants) != 0 {
				t.Fatalf("rejected Grant() created %d grants", len(grants))
			}
		})
	}
}

func TestRevokeExtendReset(t *testing.T) {
	t.Parallel()
	w, mem, now := newTestWindow(t)
	ctx := context.Background()

	issued, err := w.Grant(ctx, "org-1", "event-1", 1, 2)
	if err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	g := issued[0]

	extended, err := w.Extend(ctx, "org-1", "event-1", g.GrantID, 3)
	if err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	if !extended.ValidUntil.Equal(start.Add(5 * time.Hour)) {
		t.Fatalf("ValidUntil = %v, want %v", extended.ValidUntil, start.Add(5*time.Hour))
	}
	for _, hours := range []int{0, -1} {
		if _, err := w.Extend(ctx, "org-1", "event-1", g.GrantID, hours); !errors.Is(err, apperror.ErrInvalidArgument) {
			t.Fatalf("Extend(%d) error = %v, want INVALID_ARGUMENT", hours, err)
		}
	}

	secret, err := w.ResetSecret(ctx, "org-1", "event-1", g.GrantID)
	if err != nil {
		t.Fatalf("ResetSecret() error: %v", err)
	}
	stored, _ := mem.GetGrant(ctx, g.GrantID)
	if !secretMatches(stored, secret) || secretMatches(stored, g.Secret) {
		t.Fatal("ResetSecret() did not replace the secret")
	}

	*now = start.Add(time.Hour)
	if _, err := w.Authorize(ctx, mem, g.PrincipalID, *now); err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}

	if err := w.Revoke(ctx, "org-1", "event-1", g.GrantID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if _, err := w.Authorize(ctx, mem, g.PrincipalID, *now); !errors.Is(err, apperror.ErrStaffInactive) {
		t.Fatalf("Authorize() after Revoke() error = %v, want STAFF_INACTIVE", err)
	}

	// Extending a revoked grant must not reactivate it.
	if _, err := w.Extend(ctx, "org-1", "event-1", g.GrantID, 1); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	stored, _ = mem.GetGrant(ctx, g.GrantID)
	if stored.IsActive {
		t.Fatal("Extend() reactivated a revoked grant")
	}
}

func TestManagementRequiresOrganizer(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWindow(t)
	ctx := context.Background()

	issued, err := w.Grant(ctx, "org-1", "event-1", 1, 2)
	if err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	grantID := issued[0].GrantID

	if err := w.Revoke(ctx, "org-2", "event-1", grantID); !errors.Is(err, apperror.ErrNotOwner) {
		t.Fatalf("Revoke() by another organiser error = %v, want NOT_OWNER", err)
	}
	// Right organiser of a different event cannot reach this grant.
	if _, err := w.Extend(ctx, "org-2", "event-2", grantID, 1); !errors.Is(err, apperror.ErrNotOwner) {
		t.Fatalf("Extend() through another event error = %v, want NOT_OWNER", err)
	}
	if _, err := w.ResetSecret(ctx, "org-1", "event-1", "missing"); !errors.Is(err, apperror.ErrGrantNotFound) {
		t.Fatalf("ResetSecret(missing) error = %v, want GRANT_NOT_FOUND", err)
	}
	if _, err := w.List(ctx, "org-2", "event-1"); !errors.Is(err, apperror.ErrNotOwner) {
		t.Fatalf("List() by another organiser error = %v, want NOT_OWNER", err)
	}
}

func TestAuthorizeWindow(t *testing.T) {
	t.Parallel()
	w, mem, _ := newTestWindow(t)
	ctx := context.Background()

	issued, err := w.Grant(ctx, "org-1", "event-1", 1, 1)
	if err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	principal := issued[0].PrincipalID

	tests := []struct {
		name string
		at   time.Time
		want *apperror.Error
	}{
		{"before valid from", start.Add(-time.Second), apperror.ErrStaffExpired},
		{"at valid from", start, nil},
		{"at valid until", start.Add(time.Hour), nil},
		{"after valid until", start.Add(time.Hour + time.Nanosecond), apperror.ErrStaffExpired},
	}
	for _, tt := range tests {
		_, err := w.Authorize(ctx, mem, principal, tt.at)
		if tt.want == nil && err != nil {
			t.Errorf("%s: Authorize() error: %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("%s: Authorize() error = %v, want %s", tt.name, err, tt.want.Kind)
		}
	}

	if _, err := w.Authorize(ctx, mem, "nobody", start); !errors.Is(err, apperror.ErrStaffNotFound) {
		t.Fatalf("Authorize(unknown) error = %v, want STAFF_NOT_FOUND", err)
	}
}

func TestRevokeDuringUpdateStaysRevoked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		update func(ctx context.Context, w *Window, grantID string) error
	}{
		{"extend", func(ctx context.Context, w *Window, grantID string) error {
			g, err := w.Extend(ctx, "org-1", "event-1", grantID, 4)
			if err == nil && g.IsActive {
				return errors.New("Extend() returned an active grant")
			}
			return err
		}},
		{"reset secret", func(ctx context.Context, w *Window, grantID string) error {
			_, err := w.ResetSecret(ctx, "org-1", "event-1", grantID)
			return err
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, mem, _ := newTestWindow(t)
			ctx := context.Background()

			issued, err := w.Grant(ctx, "org-1", "event-1", 1, 2)
			if err != nil {
				t.Fatalf("Grant() error: %v", err)
			}
			g := issued[0]

			stalled := &stallingStore{Store: mem, read: make(chan struct{}), resume: make(chan struct{})}
			slow := NewWindow(WindowProperty{
				Logger:   w.logger,
				Store:    stalled,
				Now:      w.now,
				HashCost: bcrypt.MinCost,
			})

			done := make(chan error, 1)
			go func() { done <- tt.update(ctx, slow, g.GrantID) }()

			<-stalled.read
			if err := w.Revoke(ctx, "org-1", "event-1", g.GrantID); err != nil {
				t.Fatalf("Revoke() error: %v", err)
			}
			close(stalled.resume)
			if err := <-done; err != nil {
				t.Fatalf("%s error: %v", tt.name, err)
			}

			stored, err := mem.GetGrant(ctx, g.GrantID)
			if err != nil {
				t.Fatalf("GetGrant() error: %v", err)
			}
			if stored.IsActive {
				t.Fatalf("%s after a concurrent Revoke() left the grant active", tt.name)
			}
			if _, err := w.Authorize(ctx, mem, g.PrincipalID, start.Add(time.Minute)); !errors.Is(err, apperror.ErrStaffInactive) {
				t.Fatalf("Authorize() error = %v, want STAFF_INACTIVE", err)
			}
		})
	}
}
