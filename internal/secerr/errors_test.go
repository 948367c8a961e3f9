package secerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrTokenExpired, http.StatusUnauthorized},
		{fmt.Errorf("auth.Service.Validate: %w", ErrTokenRevoked), http.StatusUnauthorized},
		{ErrRefreshReused, http.StatusUnauthorized},
		{ErrAuthorization, http.StatusForbidden},
		{&RateLimitError{RetryAfter: time.Second}, http.StatusTooManyRequests},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrDecryption, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v)=%d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRefreshReuseIsIndistinguishable(t *testing.T) {
	if !errors.Is(ErrRefreshReused, ErrRefreshInvalid) {
		t.Fatal("reuse must match invalid")
	}
	if PublicMessage(ErrRefreshReused) != PublicMessage(ErrRefreshInvalid) {
		t.Fatalf("public messages differ: %q vs %q", PublicMessage(ErrRefreshReused), PublicMessage(ErrRefreshInvalid))
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	e := &RateLimitError{RetryAfter: 1500 * time.Millisecond}
	if got := e.RetryAfterSeconds(); got != "2" {
		t.Fatalf("unexpected retry after: %s", got)
	}
	e = &RateLimitError{}
	if got := e.RetryAfterSeconds(); got != "1" {
		t.Fatalf("unexpected retry after: %s", got)
	}
	if !errors.Is(e, ErrRateLimited) {
		t.Fatal("expected ErrRateLimited match")
	}
}

func TestPublicMessageStripsOperation(t *testing.T) {
	err := fmt.Errorf("credential.Service.Register: %w: email is malformed", ErrInvalidInput)
	if got := PublicMessage(err); got != "invalid input: email is malformed" {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := PublicMessage(fmt.Errorf("wrap: %w", ErrDecryption)); got != "internal error" {
		t.Fatalf("decryption detail leaked: %q", got)
	}
}
