package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory CredentialStore + TokenRegistry with the same
// semantics as the Postgres repository, used to exercise the core without a
// database.
type memStore struct {
	mu         sync.Mutex
	creds      map[string]*Credential
	challenges map[string]map[ChallengeSlot]Challenge
	tokens     map[string]*RefreshToken
}

func newMemStore() *memStore {
	return &memStore{
		creds:      make(map[string]*Credential),
		challenges: make(map[string]map[ChallengeSlot]Challenge),
		tokens:     make(map[string]*RefreshToken),
	}
}

func (m *memStore) addCredential(cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := cred
	m.creds[cred.ID] = &copied
}

func (m *memStore) FindByIdentifier(_ context.Context, identifier string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cred := range m.creds {
		if cred.Username == identifier || cred.Email == identifier {
			return *cred, nil
		}
	}
	return Credential{}, ErrNotFound
}

func (m *memStore) GetByID(_ context.Context, id string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	copied := *cred
	copied.PasswordHash = ""
	return copied, nil
}

func (m *memStore) RecordLoginFailure(_ context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[id]
	if !ok {
		return nil, ErrNotFound
	}

	if cred.LockedUntil != nil && now.Before(*cred.LockedUntil) {
		until := *cred.LockedUntil
		return &until, nil
	}

	cred.FailedAttempts++
	if cred.FailedAttempts >= maxAttempts {
		until := now.Add(lockFor)
		cred.LockedUntil = &until
		cred.FailedAttempts = 0
		return &until, nil
	}

	return nil, nil
}

func (m *memStore) RecordLoginSuccess(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[id]
	if !ok {
		return ErrNotFound
	}

	cred.FailedAttempts = 0
	cred.LockedUntil = nil
	cred.LastLoginAt = &now
	return nil
}

func (m *memStore) SetChallenge(_ context.Context, id string, slot ChallengeSlot, ch Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.creds[id]; !ok {
		return ErrNotFound
	}
	if m.challenges[id] == nil {
		m.challenges[id] = make(map[ChallengeSlot]Challenge)
	}
	m.challenges[id][slot] = ch
	return nil
}

func (m *memStore) GetChallenge(_ context.Context, id string, slot ChallengeSlot) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[id][slot]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	return ch, nil
}

func (m *memStore) ClearChallenge(_ context.Context, id string, slot ChallengeSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.challenges[id], slot)
	return nil
}

func (m *memStore) UpdatePassword(_ context.Context, id string, passwordHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[id]
	if !ok {
		return ErrNotFound
	}
	cred.PasswordHash = passwordHash
	cred.UpdatedAt = now
	return nil
}

func (m *memStore) MarkEmailVerified(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.creds[id]
	if !ok {
		return ErrNotFound
	}
	cred.EmailVerified = true
	cred.UpdatedAt = now
	return nil
}

func (m *memStore) Create(_ context.Context, token RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[token.ID] = &token
	return nil
}

func (m *memStore) FindByHash(_ context.Context, tokenHash string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, token := range m.tokens {
		if token.TokenHash == tokenHash {
			return *token, nil
		}
	}
	return RefreshToken{}, ErrNotFound
}

func (m *memStore) MarkRotated(_ context.Context, id string, replacedByHash, ip string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[id]
	if !ok || !token.Active(now) {
		return false, nil
	}

	token.RevokedAt = &now
	token.RevokedByIP = ip
	token.ReplacedBy = replacedByHash
	return true, nil
}

func (m *memStore) Revoke(_ context.Context, tokenHash, ip string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, token := range m.tokens {
		if token.TokenHash == tokenHash {
			if token.RevokedAt == nil {
				token.RevokedAt = &now
				token.RevokedByIP = ip
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) RevokeAllForOwner(_ context.Context, ownerID, ip string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var revoked int64
	for _, token := range m.tokens {
		if token.OwnerID == ownerID && token.Active(now) {
			token.RevokedAt = &now
			token.RevokedByIP = ip
			revoked++
		}
	}
	return revoked, nil
}

func (m *memStore) ListActiveForOwner(_ context.Context, ownerID string, now time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []Session
	for _, token := range m.tokens {
		if token.OwnerID == ownerID && token.Active(now) {
			sessions = append(sessions, Session{
				IP:        token.CreatedByIP,
				UserAgent: token.UserAgent,
				IssuedAt:  token.IssuedAt,
			})
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].IssuedAt.After(sessions[j].IssuedAt)
	})
	return sessions, nil
}

func (m *memStore) tokenByHash(hash string) *RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, token := range m.tokens {
		if token.TokenHash == hash {
			return token
		}
	}
	return nil
}

// fakeClock is a controllable time source shared by the services under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
