package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		JWTSecret: []byte("test-signing-secret-for-unit-tests"),
		Issuer:    "portal-auth",
		Audience:  "portal",
	}
}

func newTestIssuer(t *testing.T) (*Issuer, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := newFakeClock(testStart)
	issuer := NewIssuer(store, store, testConfig())
	issuer.now = clock.Now
	return issuer, store, clock
}

func subjectCredential() Credential {
	return Credential{
		ID:       "00000000-0000-7000-8000-000000000007",
		Username: "alice",
		Email:    "alice@example.com",
		RoleID:   "member",
		Active:   true,
	}
}

func TestIssueInitial(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	cred := subjectCredential()
	store.addCredential(cred)

	pair, err := issuer.IssueInitial(context.Background(), cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64((15 * time.Minute).Seconds()), pair.ExpiresIn)
	assert.NotEmpty(t, pair.RefreshToken)

	stored := store.tokenByHash(HashToken(pair.RefreshToken))
	require.NotNil(t, stored)
	assert.Equal(t, cred.ID, stored.OwnerID)
	assert.Equal(t, "10.0.0.1", stored.CreatedByIP)
	assert.Equal(t, "cli/1.0", stored.UserAgent)
	assert.Equal(t, testStart.Add(7*24*time.Hour), stored.ExpiresAt)
	assert.True(t, stored.Active(testStart))

	claims, err := issuer.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, claims.Subject)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "member", claims.RoleID)
}

func TestVerifyAccessExpiry(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	cred := subjectCredential()
	store.addCredential(cred)

	pair, err := issuer.IssueInitial(context.Background(), cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	claims, err := issuer.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, claims.Subject)

	clock.Advance(15*time.Minute + time.Second)
	_, err = issuer.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenExpired)
}

func TestVerifyAccessRejectsForeignTokens(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	cred := subjectCredential()
	store.addCredential(cred)

	pair, err := issuer.IssueInitial(context.Background(), cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.VerifyAccess("not-a-jwt")
		assert.ErrorIs(t, err, ErrAccessTokenInvalid)
	})

	t.Run("wrong audience", func(t *testing.T) {
		cfg := testConfig()
		cfg.Audience = "other-system"
		other := NewIssuer(store, store, cfg)
		other.now = issuer.now

		_, err := other.VerifyAccess(pair.AccessToken)
		assert.ErrorIs(t, err, ErrAccessTokenInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		cfg := testConfig()
		cfg.JWTSecret = []byte("a completely different secret")
		other := NewIssuer(store, store, cfg)
		other.now = issuer.now

		_, err := other.VerifyAccess(pair.AccessToken)
		assert.ErrorIs(t, err, ErrAccessTokenInvalid)
	})
}

func TestRotate(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	cred := subjectCredential()
	store.addCredential(cred)
	ctx := context.Background()

	initial, err := issuer.IssueInitial(ctx, cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	rotated, err := issuer.Rotate(ctx, initial.RefreshToken, "10.0.0.2", "cli/1.1")
	require.NoError(t, err)
	assert.NotEqual(t, initial.RefreshToken, rotated.RefreshToken)

	old := store.tokenByHash(HashToken(initial.RefreshToken))
	require.NotNil(t, old)
	assert.True(t, old.Revoked())
	assert.Equal(t, "10.0.0.2", old.RevokedByIP)
	assert.Equal(t, HashToken(rotated.RefreshToken), old.ReplacedBy)

	replacement := store.tokenByHash(HashToken(rotated.RefreshToken))
	require.NotNil(t, replacement)
	assert.Equal(t, cred.ID, replacement.OwnerID)
	assert.True(t, replacement.Active(testStart))
}

func TestRotateReuseRevokesFamily(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	cred := subjectCredential()
	store.addCredential(cred)
	ctx := context.Background()

	initial, err := issuer.IssueInitial(ctx, cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	rotated, err := issuer.Rotate(ctx, initial.RefreshToken, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	// Presenting the dead token again kills the replacement too.
	_, err = issuer.Rotate(ctx, initial.RefreshToken, "10.0.0.9", "cli/1.0")
	assert.ErrorIs(t, err, ErrTokenReuse)

	replacement := store.tokenByHash(HashToken(rotated.RefreshToken))
	require.NotNil(t, replacement)
	assert.True(t, replacement.Revoked())
	assert.Equal(t, "10.0.0.9", replacement.RevokedByIP)
}

func TestRotateExpiredToken(t *testing.T) {
	issuer, store, clock := newTestIssuer(t)
	cred := subjectCredential()
	store.addCredential(cred)
	ctx := context.Background()

	stale, err := issuer.IssueInitial(ctx, cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	clock.Advance(6 * 24 * time.Hour)
	fresh, err := issuer.IssueInitial(ctx, cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	clock.Advance(2 * 24 * time.Hour)

	// The first token expired by time alone; presenting it is a replay
	// signal that revokes the still-active one.
	_, err = issuer.Rotate(ctx, stale.RefreshToken, "10.0.0.1", "cli/1.0")
	assert.ErrorIs(t, err, ErrTokenReuse)

	remaining := store.tokenByHash(HashToken(fresh.RefreshToken))
	require.NotNil(t, remaining)
	assert.True(t, remaining.Revoked())
}

func TestRotateUnknownToken(t *testing.T) {
	issuer, _, _ := newTestIssuer(t)

	_, err := issuer.Rotate(context.Background(), "never-issued", "10.0.0.1", "cli/1.0")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRotateRereadsRole(t *testing.T) {
	issuer, store, _ := newTestIssuer(t)
	cred := subjectCredential()
	store.addCredential(cred)
	ctx := context.Background()

	initial, err := issuer.IssueInitial(ctx, cred, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	// Promote between login and refresh; the rotated access token must
	// carry the new role, not the one cached at login time.
	store.mu.Lock()
	store.creds[cred.ID].RoleID = "admin"
	store.mu.Unlock()

	rotated, err := issuer.Rotate(ctx, initial.RefreshToken, "10.0.0.1", "cli/1.0")
	require.NoError(t, err)

	claims, err := issuer.VerifyAccess(rotated.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.RoleID)
}

func TestMarkRotatedSingleWinner(t *testing.T) {
	_, store, _ := newTestIssuer(t)
	ctx := context.Background()

	token := RefreshToken{
		ID:        "t1",
		OwnerID:   "o1",
		TokenHash: HashToken("value"),
		IssuedAt:  testStart,
		ExpiresAt: testStart.Add(time.Hour),
	}
	require.NoError(t, store.Create(ctx, token))

	won, err := store.MarkRotated(ctx, "t1", HashToken("next"), "10.0.0.1", testStart)
	require.NoError(t, err)
	assert.True(t, won)

	// The losing side of a race observes the token as no longer active.
	won, err = store.MarkRotated(ctx, "t1", HashToken("other"), "10.0.0.2", testStart)
	require.NoError(t, err)
	assert.False(t, won)
}
