package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Credential is the durable security state kept for one account. Password and
// challenge hashes are only populated on elevated read paths; the default read
// paths leave them empty.
type Credential struct {
	ID            string
	Username      string
	Email         string
	PasswordHash  string
	RoleID        string
	Active        bool
	EmailVerified bool

	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the account is currently locked out. A lockout in the
// past counts as unlocked even when the field has not been cleared yet.
func (c Credential) Locked(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// ChallengeSlot names one of the independent single-use code slots on a
// credential. Issuing into a slot overwrites any prior unconsumed code there.
type ChallengeSlot string

const (
	SlotEmailVerification ChallengeSlot = "email_verification"
	SlotPasswordReset     ChallengeSlot = "password_reset"
	SlotLoginOtp          ChallengeSlot = "login_otp"
)

// Challenge holds the stored half of a one-time code: its hash and deadline.
type Challenge struct {
	CodeHash  string
	ExpiresAt time.Time
}

func (ch Challenge) Expired(now time.Time) bool {
	return now.After(ch.ExpiresAt)
}

// RefreshToken is one persisted refresh token. The raw value never touches the
// store; only its sha256 hash does. ReplacedBy links a rotated token to the
// hash of the token that superseded it.
type RefreshToken struct {
	ID          string
	OwnerID     string
	TokenHash   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	CreatedByIP string
	UserAgent   string
	RevokedAt   *time.Time
	RevokedByIP string
	ReplacedBy  string
}

func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// Active tokens are the only ones eligible for rotation.
func (t RefreshToken) Active(now time.Time) bool {
	return !t.Revoked() && !t.Expired(now)
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Session is the listable view of an active refresh token. It deliberately
// excludes the token value and its hash.
type Session struct {
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	IssuedAt  time.Time `json:"issued_at"`
}

// NewTokenValue returns a fresh opaque refresh token value.
func NewTokenValue() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken derives the at-rest form of a refresh token value.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
