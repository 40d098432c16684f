package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Access token verification outcomes. Expiry is reported separately from
// every other defect (bad signature, wrong issuer or audience, wrong type).
var (
	ErrAccessTokenExpired = errors.New("access token expired")
	ErrAccessTokenInvalid = errors.New("access token invalid")
)

// AccessClaims is the signed claim set carried by an access token. Access
// tokens are never persisted and carry no revocation state; revocation is
// enforced at refresh time only.
type AccessClaims struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	RoleID    string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Issuer mints access/refresh pairs and rotates refresh tokens. A dead token
// being presented again is treated as a replay: every active token of the
// owner is revoked before the call fails.
type Issuer struct {
	registry TokenRegistry
	creds    CredentialStore
	cfg      Config
	now      func() time.Time
}

func NewIssuer(registry TokenRegistry, creds CredentialStore, cfg Config) *Issuer {
	return &Issuer{
		registry: registry,
		creds:    creds,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// IssueInitial creates the first access/refresh pair after a successful
// password verification.
func (s *Issuer) IssueInitial(ctx context.Context, cred Credential, ip, userAgent string) (TokenPair, error) {
	now := s.now().UTC()

	refreshValue, err := s.createRefreshToken(ctx, cred.ID, ip, userAgent, now)
	if err != nil {
		return TokenPair{}, err
	}

	access, expiresIn, err := s.signAccess(cred, now)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refreshValue,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

// Rotate exchanges an active refresh token for a new pair. The presented
// token ends up revoked with ReplacedBy pointing at its successor. Presenting
// a revoked or expired token, or losing the rotation race to a concurrent
// call, revokes the whole token family and fails with ErrTokenReuse.
func (s *Issuer) Rotate(ctx context.Context, presented, ip, userAgent string) (TokenPair, error) {
	token, err := s.registry.FindByHash(ctx, HashToken(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenNotFound
		}
		return TokenPair{}, err
	}

	now := s.now().UTC()

	if !token.Active(now) {
		if _, err := s.registry.RevokeAllForOwner(ctx, token.OwnerID, ip, now); err != nil {
			return TokenPair{}, err
		}
		return TokenPair{}, ErrTokenReuse
	}

	newValue, err := NewTokenValue()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}

	won, err := s.registry.MarkRotated(ctx, token.ID, HashToken(newValue), ip, now)
	if err != nil {
		return TokenPair{}, err
	}
	if !won {
		// Another rotation got there first. Indistinguishable from a stolen
		// token raced against the legitimate holder, so same response.
		if _, err := s.registry.RevokeAllForOwner(ctx, token.OwnerID, ip, now); err != nil {
			return TokenPair{}, err
		}
		return TokenPair{}, ErrTokenReuse
	}

	if err := s.storeRefreshToken(ctx, token.OwnerID, newValue, ip, userAgent, now); err != nil {
		return TokenPair{}, err
	}

	// Re-read rather than trusting anything cached so role changes take
	// effect on the next refresh.
	cred, err := s.creds.GetByID(ctx, token.OwnerID)
	if err != nil {
		return TokenPair{}, err
	}

	access, expiresIn, err := s.signAccess(cred, now)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: newValue,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

// VerifyAccess checks signature, issuer, audience and expiry of an access
// token and returns its claims.
func (s *Issuer) VerifyAccess(raw string) (AccessClaims, error) {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return s.cfg.JWTSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrAccessTokenExpired
		}
		return AccessClaims{}, ErrAccessTokenInvalid
	}
	if !token.Valid || claims.TokenType != "access" {
		return AccessClaims{}, ErrAccessTokenInvalid
	}

	return claims, nil
}

func (s *Issuer) createRefreshToken(ctx context.Context, ownerID, ip, userAgent string, now time.Time) (string, error) {
	value, err := NewTokenValue()
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	if err := s.storeRefreshToken(ctx, ownerID, value, ip, userAgent, now); err != nil {
		return "", err
	}
	return value, nil
}

func (s *Issuer) storeRefreshToken(ctx context.Context, ownerID, value, ip, userAgent string, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	return s.registry.Create(ctx, RefreshToken{
		ID:          id.String(),
		OwnerID:     ownerID,
		TokenHash:   HashToken(value),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		CreatedByIP: ip,
		UserAgent:   userAgent,
	})
}

func (s *Issuer) signAccess(cred Credential, now time.Time) (string, int64, error) {
	claims := AccessClaims{
		Username:  cred.Username,
		Email:     cred.Email,
		RoleID:    cred.RoleID,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.ID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.cfg.JWTSecret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, int64(s.cfg.AccessTTL.Seconds()), nil
}
