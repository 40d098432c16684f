package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Gate verifies passwords and enforces the brute-force lockout policy. It
// performs no I/O beyond the credential store and never logs; callers observe
// outcomes through the returned errors.
type Gate struct {
	creds CredentialStore
	cfg   Config
	now   func() time.Time
}

func NewGate(creds CredentialStore, cfg Config) *Gate {
	return &Gate{
		creds: creds,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// NormalizeIdentifier maps a submitted username or email to its stored form.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Verify authenticates identifier+password and returns the credential on
// success. Unknown identifiers and wrong passwords both come back as
// ErrInvalidCredentials. Attempts against a locked account fail with
// AccountLockedError without touching the attempt counter; inactive and
// unverified accounts are only reported after the password matched.
func (g *Gate) Verify(ctx context.Context, identifier, password string) (Credential, error) {
	identifier = NormalizeIdentifier(identifier)
	password = strings.TrimSpace(password)
	if identifier == "" || password == "" {
		return Credential{}, ErrInvalidCredentials
	}

	now := g.now().UTC()

	cred, err := g.creds.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credential{}, ErrInvalidCredentials
		}
		return Credential{}, err
	}

	if cred.Locked(now) {
		return Credential{}, AccountLockedError{Until: *cred.LockedUntil}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return Credential{}, fmt.Errorf("compare password: %w", err)
		}
		lockedUntil, failErr := g.creds.RecordLoginFailure(ctx, cred.ID, g.cfg.MaxLoginAttempts, g.cfg.LockDuration, now)
		if failErr != nil {
			return Credential{}, failErr
		}
		if lockedUntil != nil {
			return Credential{}, AccountLockedError{Until: *lockedUntil}
		}
		return Credential{}, ErrInvalidCredentials
	}

	if !cred.Active {
		return Credential{}, ErrAccountInactive
	}
	if g.cfg.RequireVerifiedEmail && !cred.EmailVerified {
		return Credential{}, ErrEmailNotVerified
	}

	if err := g.creds.RecordLoginSuccess(ctx, cred.ID, now); err != nil {
		return Credential{}, err
	}
	cred.FailedAttempts = 0
	cred.LockedUntil = nil
	cred.LastLoginAt = &now

	return cred, nil
}

// ChangePassword re-verifies the current password before storing the new one.
// Session revocation is the caller's responsibility.
func (g *Gate) ChangePassword(ctx context.Context, identifier, current, next string) error {
	identifier = NormalizeIdentifier(identifier)

	cred, err := g.creds.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(current)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("compare password: %w", err)
	}

	return g.SetPassword(ctx, cred.ID, next)
}

// SetPassword hashes and stores a new password without checking the old one.
// Used by the OTP-confirmed reset flow, which proves ownership via the code.
func (g *Gate) SetPassword(ctx context.Context, credentialID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(password)), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return g.creds.UpdatePassword(ctx, credentialID, string(hash), g.now().UTC())
}
