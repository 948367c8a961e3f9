// Package secerr holds the error taxonomy shared by the security components
// and its mapping onto HTTP semantics.
package secerr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAuthentication = errors.New("authentication required")
	ErrTokenExpired   = fmt.Errorf("%w: token expired", ErrAuthentication)
	ErrTokenInvalid   = fmt.Errorf("%w: token invalid", ErrAuthentication)
	ErrTokenRevoked   = fmt.Errorf("%w: token revoked", ErrAuthentication)
	ErrLockedOut      = fmt.Errorf("%w: temporarily locked", ErrAuthentication)

	ErrAuthorization = errors.New("insufficient permissions")

	ErrRateLimited = errors.New("rate limit exceeded")

	ErrRefreshInvalid = errors.New("refresh token invalid")
	// ErrRefreshReused matches ErrRefreshInvalid so callers outside the token
	// service cannot tell the two apart.
	ErrRefreshReused = fmt.Errorf("%w: reuse detected", ErrRefreshInvalid)

	ErrDecryption   = errors.New("decryption failed")
	ErrUnknownField = errors.New("field is not designated for encryption")

	ErrAuditDegraded = errors.New("audit pipeline degraded")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// RateLimitError carries quota metadata for a denied request.
type RateLimitError struct {
	Class      string
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Class, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (e *RateLimitError) RetryAfterSeconds() string {
	secs := int64(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// HTTPStatus maps an error from the taxonomy to a status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRefreshInvalid), errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownField):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a client. Internal detail
// such as refresh reuse or decryption failure never leaves the process.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRefreshInvalid):
		return ErrRefreshInvalid.Error()
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrTokenRevoked):
		return "token revoked"
	case errors.Is(err, ErrLockedOut):
		return "account temporarily locked"
	case errors.Is(err, ErrAuthentication):
		return ErrAuthentication.Error()
	case errors.Is(err, ErrAuthorization):
		return ErrAuthorization.Error()
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited.Error()
	case errors.Is(err, ErrAlreadyExists):
		return ErrAlreadyExists.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrInvalidInput):
		// Drop operation prefixes, keep the validation detail.
		msg := err.Error()
		if i := strings.Index(msg, ErrInvalidInput.Error()); i > 0 {
			msg = msg[i:]
		}
		return msg
	default:
		return "internal error"
	}
}
