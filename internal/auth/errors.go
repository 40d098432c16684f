package auth

import (
	"errors"
	"fmt"
	"time"
)

// Outcomes of the authentication core. Each is terminal for a single call;
// nothing here is retried internally. Unknown identifier and wrong password
// share ErrInvalidCredentials so the boundary cannot be used to probe which
// usernames or emails exist.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is deactivated")
	ErrEmailNotVerified   = errors.New("email address is not verified")
	ErrTokenNotFound      = errors.New("refresh token not found")
	ErrTokenReuse         = errors.New("refresh token reuse detected")
	ErrCodeInvalid        = errors.New("code is invalid or expired")
)

// ErrCodeNotRequested wraps ErrCodeInvalid: an empty slot is one way for a
// code to be invalid, but the boundary may want to tell the caller nothing
// was ever requested.
var ErrCodeNotRequested = fmt.Errorf("%w: no code was requested", ErrCodeInvalid)

// ErrNotFound is returned by stores when a row does not exist. Services map it
// to the taxonomy above before it reaches the boundary.
var ErrNotFound = errors.New("not found")

// AccountLockedError reports a lockout that is still in force.
type AccountLockedError struct {
	Until time.Time
}

func (e AccountLockedError) Error() string {
	return "account temporarily locked"
}

// Remaining is the lockout time left as seen from now, floored at one second
// so a Retry-After header never rounds down to zero.
func (e AccountLockedError) Remaining(now time.Time) time.Duration {
	remaining := e.Until.Sub(now)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}
