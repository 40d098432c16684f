package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChallenges(t *testing.T) (*Challenges, *memStore, *fakeClock) {
	t.Helper()
	store := newMemStore()
	clock := newFakeClock(testStart)
	challenges := NewChallenges(store, Config{})
	challenges.now = clock.Now

	store.addCredential(Credential{ID: "cred-1", Username: "alice", Email: "alice@example.com"})
	return challenges, store, clock
}

func TestChallengeSingleUse(t *testing.T) {
	challenges, _, _ := newTestChallenges(t)
	ctx := context.Background()

	code, err := challenges.Issue(ctx, "cred-1", SlotPasswordReset)
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, challenges.Verify(ctx, "cred-1", SlotPasswordReset, code))

	// The code was consumed; replaying it fails.
	err = challenges.Verify(ctx, "cred-1", SlotPasswordReset, code)
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestChallengeWrongCode(t *testing.T) {
	challenges, _, _ := newTestChallenges(t)
	ctx := context.Background()

	code, err := challenges.Issue(ctx, "cred-1", SlotPasswordReset)
	require.NoError(t, err)

	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}
	assert.ErrorIs(t, challenges.Verify(ctx, "cred-1", SlotPasswordReset, wrong), ErrCodeInvalid)

	// A wrong guess does not consume the slot.
	assert.NoError(t, challenges.Verify(ctx, "cred-1", SlotPasswordReset, code))
}

func TestChallengeExpiry(t *testing.T) {
	challenges, _, clock := newTestChallenges(t)
	ctx := context.Background()

	code, err := challenges.Issue(ctx, "cred-1", SlotLoginOtp)
	require.NoError(t, err)

	clock.Advance(15*time.Minute + time.Second)
	assert.ErrorIs(t, challenges.Verify(ctx, "cred-1", SlotLoginOtp, code), ErrCodeInvalid)
}

func TestChallengeNotRequested(t *testing.T) {
	challenges, _, _ := newTestChallenges(t)

	err := challenges.Verify(context.Background(), "cred-1", SlotEmailVerification, "123456")
	assert.ErrorIs(t, err, ErrCodeNotRequested)
}

func TestChallengeReissueSupersedes(t *testing.T) {
	challenges, _, _ := newTestChallenges(t)
	ctx := context.Background()

	first, err := challenges.Issue(ctx, "cred-1", SlotPasswordReset)
	require.NoError(t, err)
	second, err := challenges.Issue(ctx, "cred-1", SlotPasswordReset)
	require.NoError(t, err)

	if first != second {
		assert.ErrorIs(t, challenges.Verify(ctx, "cred-1", SlotPasswordReset, first), ErrCodeInvalid)
	}
	assert.NoError(t, challenges.Verify(ctx, "cred-1", SlotPasswordReset, second))
}

func TestChallengeSlotsAreIndependent(t *testing.T) {
	challenges, _, _ := newTestChallenges(t)
	ctx := context.Background()

	resetCode, err := challenges.Issue(ctx, "cred-1", SlotPasswordReset)
	require.NoError(t, err)
	verifyCode, err := challenges.Issue(ctx, "cred-1", SlotEmailVerification)
	require.NoError(t, err)

	// Consuming one slot leaves the other untouched.
	require.NoError(t, challenges.Verify(ctx, "cred-1", SlotPasswordReset, resetCode))
	assert.NoError(t, challenges.Verify(ctx, "cred-1", SlotEmailVerification, verifyCode))
}

func TestGenerateCodeDigitsOnly(t *testing.T) {
	for i := 0; i < 32; i++ {
		code, err := generateCode(codeLength)
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9')
		}
	}
}
