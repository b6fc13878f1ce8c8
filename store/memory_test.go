package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticketgate-backend/apperror"
	"ticketgate-backend/models"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	ctx := context.Background()
	m := NewMemory(100 * time.Millisecond)
	if err := m.CreateEvent(ctx, models.Event{ID: "event-1", OrganizerID: "org-1"}); err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	if err := m.CreateTicketType(ctx, models.TicketType{ID: "type-1", EventID: "event-1", TotalAvailable: 3}); err != nil {
		t.Fatalf("CreateTicketType() error: %v", err)
	}
	if err := m.CreateTicket(ctx, models.Ticket{ID: "ticket-1", TicketTypeID: "type-1", PurchaserID: "user-1", Status: models.TicketPurchased, CreatedAt: t0}); err != nil {
		t.Fatalf("CreateTicket() error: %v", err)
	}
	return m
}

func TestMemoryRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)
	boom := errors.New("boom")

	err := m.InTx(ctx, TxOptions{}, func(tx Tx) error {
		tt, err := tx.LockTicketType(ctx, "type-1")
		if err != nil {
			return err
		}
		if err := tx.SetTicketTypeAvailable(ctx, tt.ID, tt.TotalAvailable-1); err != nil {
			return err
		}
		if err := tx.CreateTicket(ctx, models.Ticket{ID: "ticket-2", TicketTypeID: "type-1", Status: models.TicketPurchased}); err != nil {
			return err
		}
		if _, err := tx.SetTicketStatus(ctx, "ticket-1", models.TicketPurchased, models.TicketUsed, t0); err != nil {
			return err
		}
		if err := tx.CreateCredential(ctx, models.Credential{ID: "cred-1", TicketID: "ticket-1", PublicCode: "abcd1234", Status: models.CredentialActive, IssuedAt: t0}); err != nil {
			return err
		}
		if _, err := tx.UpsertAttendee(ctx, models.Attendee{EventID: "event-1", UserID: "user-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want %v", err, boom)
	}

	tt, _ := m.GetTicketType(ctx, "type-1")
	if tt.TotalAvailable != 3 {
		t.Fatalf("TotalAvailable = %d after rollback, want 3", tt.TotalAvailable)
	}
	if _, err := m.GetTicket(ctx, "ticket-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTicket(ticket-2) error = %v, want ErrNotFound", err)
	}
	ticket, _ := m.GetTicket(ctx, "ticket-1")
	if ticket.Status != models.TicketPurchased {
		t.Fatalf("ticket status = %s after rollback, want PURCHASED", ticket.Status)
	}
	if exists, _ := m.CodeExists(ctx, "ABCD1234"); exists {
		t.Fatal("credential survived rollback")
	}
	if ok, _ := m.IsAttendee(ctx, "event-1", "user-1"); ok {
		t.Fatal("attendee survived rollback")
	}
}

func TestMemoryRollbackOnPanic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("InTx() swallowed the panic")
			}
		}()
		_ = m.InTx(ctx, TxOptions{}, func(tx Tx) error {
			if _, err := tx.LockTicketType(ctx, "type-1"); err != nil {
				return err
			}
			_ = tx.SetTicketTypeAvailable(ctx, "type-1", 0)
			panic("unexpected")
		})
	}()

	tt, _ := m.GetTicketType(ctx, "type-1")
	if tt.TotalAvailable != 3 {
		t.Fatalf("TotalAvailable = %d after panic, want 3", tt.TotalAvailable)
	}
	// The lock must have been released.
	if err := m.InTx(ctx, TxOptions{}, func(tx Tx) error {
		_, err := tx.LockTicketType(ctx, "type-1")
		return err
	}); err != nil {
		t.Fatalf("LockTicketType() after panic error: %v", err)
	}
}

func TestMemoryLockTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.InTx(ctx, TxOptions{}, func(tx Tx) error {
			if _, err := tx.LockTicket(ctx, "ticket-1"); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := m.InTx(ctx, TxOptions{}, func(tx Tx) error {
		_, err := tx.LockTicket(ctx, "ticket-1")
		return err
	})
	if !errors.Is(err, apperror.ErrLockTimeout) {
		t.Fatalf("LockTicket() error = %v, want LOCK_TIMEOUT", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = m.InTx(ctx, TxOptions{}, func(tx Tx) error {
		_, err := tx.LockTicket(cancelled, "ticket-1")
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("LockTicket() with a cancelled context error = %v, want context.Canceled", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder InTx() error: %v", err)
	}
	// Other keys are independent.
	if err := m.InTx(ctx, TxOptions{}, func(tx Tx) error {
		_, err := tx.LockTicketType(ctx, "type-1")
		return err
	}); err != nil {
		t.Fatalf("LockTicketType() error: %v", err)
	}
}

func TestMemoryCompareAndSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	changed, err := m.SetTicketStatus(ctx, "ticket-1", models.TicketPurchased, models.TicketUsed, t0)
	if err != nil || !changed {
		t.Fatalf("SetTicketStatus() = %v, %v; want true, nil", changed, err)
	}
	changed, err = m.SetTicketStatus(ctx, "ticket-1", models.TicketPurchased, models.TicketCancelled, t0)
	if err != nil || changed {
		t.Fatalf("stale SetTicketStatus() = %v, %v; want false, nil", changed, err)
	}

	cred := models.Credential{ID: "cred-1", TicketID: "ticket-1", PublicCode: "CODE0001", Status: models.CredentialActive, IssuedAt: t0}
	if err := m.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}
	if changed, _ := m.ExpireCredential(ctx, "cred-1"); !changed {
		t.Fatal("ExpireCredential() on an ACTIVE credential reported no change")
	}
	if changed, _ := m.ExpireCredential(ctx, "cred-1"); changed {
		t.Fatal("ExpireCredential() on an EXPIRED credential reported a change")
	}
}

func TestMemoryExpireRollbackKeepsConsumedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	cred := models.Credential{ID: "cred-1", TicketID: "ticket-1", PublicCode: "CODE0001", Status: models.CredentialActive, IssuedAt: t0}
	if err := m.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}

	err := m.InTx(ctx, TxOptions{}, func(tx Tx) error {
		if _, err := tx.ExpireCredential(ctx, "cred-1"); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("InTx() should have failed")
	}
	c, _ := m.GetCredentialByCode(ctx, "CODE0001")
	if c.Status != models.CredentialActive {
		t.Fatalf("status = %s after rollback, want ACTIVE", c.Status)
	}
}

func TestMemoryCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	if err := m.CreateCredential(ctx, models.Credential{ID: "cred-1", TicketID: "ticket-1", PublicCode: "code0001", Status: models.CredentialActive, IssuedAt: t0}); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}
	err := m.CreateCredential(ctx, models.Credential{ID: "cred-2", TicketID: "ticket-1", PublicCode: "CODE0001", Status: models.CredentialActive, IssuedAt: t0})
	if !errors.Is(err, ErrDuplicateCode) {
		t.Fatalf("CreateCredential(duplicate) error = %v, want ErrDuplicateCode", err)
	}

	c, err := m.GetCredentialByCode(ctx, "Code0001")
	if err != nil {
		t.Fatalf("GetCredentialByCode() error: %v", err)
	}
	if c.TicketID != "ticket-1" || c.PublicCode != "CODE0001" {
		t.Fatalf("unexpected credential: %+v", c)
	}

	if err := m.CreateCredential(ctx, models.Credential{ID: "cred-3", TicketID: "gone", PublicCode: "ORPHAN01", Status: models.CredentialActive, IssuedAt: t0}); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}
	orphan, err := m.GetCredentialByCode(ctx, "ORPHAN01")
	if err != nil {
		t.Fatalf("GetCredentialByCode() error: %v", err)
	}
	if orphan.TicketID != "" {
		t.Fatalf("orphan TicketID = %q, want empty", orphan.TicketID)
	}

	if err := m.CreateCredential(ctx, models.Credential{ID: "cred-4", TicketID: "ticket-1", PublicCode: "CODE0002", Status: models.CredentialActive, IssuedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("CreateCredential() error: %v", err)
	}
	n, err := m.ExpireActiveCredentials(ctx, "ticket-1")
	if err != nil || n != 2 {
		t.Fatalf("ExpireActiveCredentials() = %d, %v; want 2, nil", n, err)
	}
	latest, err := m.LatestCredential(ctx, "ticket-1")
	if err != nil || latest.ID != "cred-4" {
		t.Fatalf("LatestCredential() = %+v, %v; want cred-4", latest, err)
	}
}

func TestMemoryGrants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	g := models.StaffGrant{ID: "grant-1", PrincipalID: "p-1", EventID: "event-1", IsActive: true, ValidFrom: t0, ValidUntil: t0.Add(time.Hour), SecretHash: []byte("h1")}
	if err := m.CreateGrant(ctx, g); err != nil {
		t.Fatalf("CreateGrant() error: %v", err)
	}
	if err := m.CreateGrant(ctx, models.StaffGrant{ID: "grant-2", PrincipalID: "p-1"}); err == nil {
		t.Fatal("CreateGrant() accepted a second grant for one principal")
	}

	if err := m.DeactivateGrant(ctx, "grant-1"); err != nil {
		t.Fatalf("DeactivateGrant() error: %v", err)
	}
	if err := m.SetGrantSecret(ctx, "grant-1", []byte("h2")); err != nil {
		t.Fatalf("SetGrantSecret() error: %v", err)
	}
	until, err := m.ExtendGrant(ctx, "grant-1", 2*time.Hour)
	if err != nil {
		t.Fatalf("ExtendGrant() error: %v", err)
	}
	if !until.Equal(t0.Add(3 * time.Hour)) {
		t.Fatalf("ExtendGrant() = %v, want %v", until, t0.Add(3*time.Hour))
	}
	if err := m.TouchGrantLastLogin(ctx, "grant-1", t0); err != nil {
		t.Fatalf("TouchGrantLastLogin() error: %v", err)
	}

	got, err := m.GetGrantByPrincipal(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetGrantByPrincipal() error: %v", err)
	}
	if got.IsActive || string(got.SecretHash) != "h2" || !got.ValidUntil.Equal(until) {
		t.Fatalf("unexpected grant after updates: %+v", got)
	}
	if got.LastLogin == nil || !got.LastLogin.Equal(t0) {
		t.Fatalf("LastLogin = %v, want %v", got.LastLogin, t0)
	}
	if err := m.DeactivateGrant(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeactivateGrant(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := m.ExtendGrant(ctx, "missing", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ExtendGrant(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryGrantRollbackIsColumnScoped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	g := models.StaffGrant{ID: "grant-1", PrincipalID: "p-1", EventID: "event-1", IsActive: true, ValidFrom: t0, ValidUntil: t0.Add(time.Hour)}
	if err := m.CreateGrant(ctx, g); err != nil {
		t.Fatalf("CreateGrant() error: %v", err)
	}

	boom := errors.New("boom")
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.InTx(ctx, TxOptions{}, func(tx Tx) error {
			if _, err := tx.ExtendGrant(ctx, "grant-1", time.Hour); err != nil {
				return err
			}
			close(entered)
			<-release
			return boom
		})
	}()

	<-entered
	if err := m.DeactivateGrant(ctx, "grant-1"); err != nil {
		t.Fatalf("DeactivateGrant() error: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	got, err := m.GetGrant(ctx, "grant-1")
	if err != nil {
		t.Fatalf("GetGrant() error: %v", err)
	}
	if got.IsActive {
		t.Fatal("rolling back ExtendGrant() reactivated the grant")
	}
	if !got.ValidUntil.Equal(t0.Add(time.Hour)) {
		t.Fatalf("ValidUntil after rollback = %v, want %v", got.ValidUntil, t0.Add(time.Hour))
	}
}

func TestMemoryAdmissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := seedMemory(t)

	r := models.AdmissionRecord{ID: "adm-1", TicketID: "ticket-1", EventID: "event-1", ValidatedAt: t0}
	if err := m.CreateAdmission(ctx, r); err != nil {
		t.Fatalf("CreateAdmission() error: %v", err)
	}
	r.ID = "adm-2"
	if err := m.CreateAdmission(ctx, r); err == nil {
		t.Fatal("CreateAdmission() accepted a second record for one ticket")
	}
	n, _ := m.CountAdmissionsByTicket(ctx, "ticket-1")
	if n != 1 {
		t.Fatalf("CountAdmissionsByTicket() = %d, want 1", n)
	}
}
