package auth

import (
	"context"
	"errors"
	"time"
)

// Revoker is the entry point logout, password change and breach response use
// to kill sessions. It only ever writes revokedAt; whether a token is later
// presented for rotation is none of its business.
type Revoker struct {
	registry TokenRegistry
	now      func() time.Time
}

func NewRevoker(registry TokenRegistry) *Revoker {
	return &Revoker{registry: registry, now: time.Now}
}

// RevokeOne revokes the token with the given value. Already revoked tokens
// are left alone; a value that was never issued is ErrTokenNotFound.
func (r *Revoker) RevokeOne(ctx context.Context, tokenValue, ip string) error {
	err := r.registry.Revoke(ctx, HashToken(tokenValue), ip, r.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return ErrTokenNotFound
	}
	return err
}

// RevokeAll revokes every active token of the owner and reports the count.
func (r *Revoker) RevokeAll(ctx context.Context, ownerID, ip string) (int64, error) {
	return r.registry.RevokeAllForOwner(ctx, ownerID, ip, r.now().UTC())
}

// Sessions lists the owner's active sessions. Raw token values never appear
// in the result.
func (r *Revoker) Sessions(ctx context.Context, ownerID string) ([]Session, error) {
	return r.registry.ListActiveForOwner(ctx, ownerID, r.now().UTC())
}
