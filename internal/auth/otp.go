package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

const codeLength = 6

const codeDigits = "0123456789"

// Challenges issues and verifies the single-use numeric codes stored in a
// credential's challenge slots. The plaintext code is returned exactly once at
// issue time; only its hash is persisted.
type Challenges struct {
	creds CredentialStore
	cfg   Config
	now   func() time.Time
}

func NewChallenges(creds CredentialStore, cfg Config) *Challenges {
	return &Challenges{
		creds: creds,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Issue writes a fresh code into the named slot, superseding any unconsumed
// code already there, and returns the plaintext for out-of-band delivery.
func (s *Challenges) Issue(ctx context.Context, credentialID string, slot ChallengeSlot) (string, error) {
	code, err := generateCode(codeLength)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	ch := Challenge{
		CodeHash:  HashToken(code),
		ExpiresAt: s.now().UTC().Add(s.cfg.CodeTTL),
	}
	if err := s.creds.SetChallenge(ctx, credentialID, slot, ch); err != nil {
		return "", err
	}

	return code, nil
}

// Verify consumes the slot on success; a second verify with the same code
// fails. Expired or mismatched codes fail with ErrCodeInvalid and an empty
// slot with ErrCodeNotRequested.
func (s *Challenges) Verify(ctx context.Context, credentialID string, slot ChallengeSlot, code string) error {
	ch, err := s.creds.GetChallenge(ctx, credentialID, slot)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrCodeNotRequested
		}
		return err
	}

	if ch.Expired(s.now().UTC()) {
		return ErrCodeInvalid
	}
	if subtle.ConstantTimeCompare([]byte(ch.CodeHash), []byte(HashToken(code))) != 1 {
		return ErrCodeInvalid
	}

	return s.creds.ClearChallenge(ctx, credentialID, slot)
}

func generateCode(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	for i := range buffer {
		buffer[i] = codeDigits[int(buffer[i])%len(codeDigits)]
	}
	return string(buffer), nil
}
