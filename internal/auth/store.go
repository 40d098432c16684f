package auth

import (
	"context"
	"time"
)

// CredentialStore is the durable home of Credential rows. Implementations must
// serialize mutations per record; RecordLoginFailure in particular is a
// read-modify-write that concurrent failed logins race on.
type CredentialStore interface {
	// FindByIdentifier resolves a normalized username or email to the full
	// record, password and challenge hashes included. Elevated read path.
	FindByIdentifier(ctx context.Context, identifier string) (Credential, error)

	// GetByID returns the record without any secret material.
	GetByID(ctx context.Context, id string) (Credential, error)

	// RecordLoginFailure bumps the failed-attempt counter and, when the
	// threshold is hit, locks the account for lockFor and resets the counter.
	// It returns the lockout deadline when this failure caused (or found) a
	// lock, nil otherwise.
	RecordLoginFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error)

	// RecordLoginSuccess zeroes the counter, clears any lockout and stamps
	// the last login time.
	RecordLoginSuccess(ctx context.Context, id string, now time.Time) error

	// SetChallenge writes a slot, replacing whatever was there.
	SetChallenge(ctx context.Context, id string, slot ChallengeSlot, ch Challenge) error

	// GetChallenge reads a slot; ErrNotFound when the slot is empty.
	// Elevated read path.
	GetChallenge(ctx context.Context, id string, slot ChallengeSlot) (Challenge, error)

	// ClearChallenge empties a slot. Clearing an empty slot is a no-op.
	ClearChallenge(ctx context.Context, id string, slot ChallengeSlot) error

	UpdatePassword(ctx context.Context, id string, passwordHash string, now time.Time) error
	MarkEmailVerified(ctx context.Context, id string, now time.Time) error
}

// TokenRegistry exclusively owns RefreshToken rows, indexed by owner for bulk
// revocation and by token hash for single lookup. Values are never reused.
type TokenRegistry interface {
	Create(ctx context.Context, token RefreshToken) error

	// FindByHash looks a token up by the hash of its value; ErrNotFound when
	// no such token was ever issued.
	FindByHash(ctx context.Context, tokenHash string) (RefreshToken, error)

	// MarkRotated performs the atomic revoke-if-still-active transition: it
	// revokes the token and records its successor only when the token is
	// still active at now. The boolean reports whether this call won the
	// transition; a concurrent rotation or a prior revocation makes it false.
	MarkRotated(ctx context.Context, id string, replacedByHash, ip string, now time.Time) (bool, error)

	// Revoke writes revokedAt for the token with the given hash. Revoking an
	// already revoked token is a no-op; an unknown hash is ErrNotFound.
	Revoke(ctx context.Context, tokenHash, ip string, now time.Time) error

	// RevokeAllForOwner revokes every currently active token of the owner and
	// reports how many it touched. Idempotent.
	RevokeAllForOwner(ctx context.Context, ownerID, ip string, now time.Time) (int64, error)

	// ListActiveForOwner returns the session view of the owner's active
	// tokens, newest first.
	ListActiveForOwner(ctx context.Context, ownerID string, now time.Time) ([]Session, error)
}
