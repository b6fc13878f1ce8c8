package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	t.Parallel()

	specific := ErrSoldOut.WithMessage("tickets sold out for VIP")
	if !errors.Is(specific, ErrSoldOut) {
		t.Fatal("errors.Is(specific, ErrSoldOut) = false, want true")
	}
	if errors.Is(specific, ErrSalesWindowClosed) {
		t.Fatal("errors.Is(specific, ErrSalesWindowClosed) = true, want false")
	}

	wrapped := fmt.Errorf("purchase: %w", specific)
	if !errors.Is(wrapped, ErrSoldOut) {
		t.Fatal("wrapped error lost its kind")
	}
	if ErrSoldOut.Message == specific.Message {
		t.Fatal("WithMessage mutated the sentinel")
	}
}

func TestDestruct(t *testing.T) {
	t.Parallel()

	if Destruct(nil) != nil {
		t.Fatal("Destruct(nil) != nil")
	}

	ae := Destruct(fmt.Errorf("admit: %w", ErrCredentialExpired))
	if ae.Kind != KindCredentialExpired || ae.HTTPStatus != http.StatusGone {
		t.Errorf("got kind %s status %d", ae.Kind, ae.HTTPStatus)
	}

	cause := errors.New("connection reset")
	internal := Destruct(cause)
	if internal.Kind != KindInternal {
		t.Errorf("got kind %s, want %s", internal.Kind, KindInternal)
	}
	if !errors.Is(internal, cause) {
		t.Error("internal error does not unwrap to its cause")
	}
}

func TestNotFoundKindsShareTheirPublicShape(t *testing.T) {
	t.Parallel()

	for _, e := range []*Error{ErrCredentialNotFound, ErrCredentialOrphaned, ErrTicketNotFound} {
		if e.HTTPStatus != ErrCredentialNotFound.HTTPStatus || e.Message != ErrCredentialNotFound.Message {
			t.Errorf("%s leaks a distinguishable response", e.Kind)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{ErrLockTimeout, true},
		{fmt.Errorf("reserve: %w", ErrUnavailable), true},
		{ErrAlreadyAdmitted, false},
		{errors.New("plain"), false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
