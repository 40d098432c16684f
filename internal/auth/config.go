package auth

import "time"

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultCodeTTL      = 15 * time.Minute
	defaultMaxAttempts  = 5
	defaultLockDuration = 15 * time.Minute
)

// Config carries every security parameter of the core. It is resolved once at
// startup and passed by value into constructors; nothing mutates it afterwards.
type Config struct {
	JWTSecret []byte
	Issuer    string
	Audience  string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	CodeTTL    time.Duration

	MaxLoginAttempts int
	LockDuration     time.Duration

	// RequireVerifiedEmail gates logins on a confirmed email address.
	RequireVerifiedEmail bool
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = defaultCodeTTL
	}
	if c.MaxLoginAttempts <= 0 {
		c.MaxLoginAttempts = defaultMaxAttempts
	}
	if c.LockDuration <= 0 {
		c.LockDuration = defaultLockDuration
	}
	return c
}
