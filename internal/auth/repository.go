package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Repository is the Postgres implementation of CredentialStore and
// TokenRegistry. Per-record serialization relies on row locks; the rotate
// transition is a single conditional UPDATE.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const credentialColumns = `id, username, email, role_id, active, email_verified,
	failed_attempts, locked_until, last_login_at, created_at, updated_at`

func (r *Repository) FindByIdentifier(ctx context.Context, identifier string) (Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`, password_hash
		FROM auth_credentials
		WHERE username = $1 OR email = $1
	`, identifier)

	cred, err := scanCredential(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("query credential by identifier: %w", err)
	}

	return cred, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM auth_credentials
		WHERE id = $1
	`, id)

	cred, err := scanCredential(row, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("query credential by id: %w", err)
	}

	return cred, nil
}

func scanCredential(row *sql.Row, withSecret bool) (Credential, error) {
	var cred Credential
	var lockedUntil, lastLoginAt sql.NullTime

	fields := []any{
		&cred.ID, &cred.Username, &cred.Email, &cred.RoleID, &cred.Active,
		&cred.EmailVerified, &cred.FailedAttempts, &lockedUntil, &lastLoginAt,
		&cred.CreatedAt, &cred.UpdatedAt,
	}
	if withSecret {
		fields = append(fields, &cred.PasswordHash)
	}
	if err := row.Scan(fields...); err != nil {
		return Credential{}, err
	}

	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		cred.LockedUntil = &value
	}
	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		cred.LastLoginAt = &value
	}

	return cred, nil
}

func (r *Repository) RecordLoginFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login failure tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_credentials
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&failed, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock credential row: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any
	if failed >= maxAttempts {
		until := now.UTC().Add(lockFor)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_credentials
		SET failed_attempts = $2, locked_until = $3, updated_at = $4
		WHERE id = $1
	`, id, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login failure tx: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) RecordLoginSuccess(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_credentials
		SET failed_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("record login success: %w", err)
	}

	return nil
}

func challengeColumns(slot ChallengeSlot) (hashColumn, expiresColumn string, err error) {
	switch slot {
	case SlotEmailVerification, SlotPasswordReset, SlotLoginOtp:
		return string(slot) + "_code_hash", string(slot) + "_code_expires_at", nil
	default:
		return "", "", fmt.Errorf("unknown challenge slot: %s", slot)
	}
}

func (r *Repository) SetChallenge(ctx context.Context, id string, slot ChallengeSlot, ch Challenge) error {
	hashColumn, expiresColumn, err := challengeColumns(slot)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE auth_credentials
		SET %s = $2, %s = $3, updated_at = NOW()
		WHERE id = $1
	`, hashColumn, expiresColumn), id, ch.CodeHash, ch.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("set %s challenge: %w", slot, err)
	}

	return nil
}

func (r *Repository) GetChallenge(ctx context.Context, id string, slot ChallengeSlot) (Challenge, error) {
	hashColumn, expiresColumn, err := challengeColumns(slot)
	if err != nil {
		return Challenge{}, err
	}

	var codeHash sql.NullString
	var expiresAt sql.NullTime
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s, %s
		FROM auth_credentials
		WHERE id = $1
	`, hashColumn, expiresColumn), id).Scan(&codeHash, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Challenge{}, ErrNotFound
		}
		return Challenge{}, fmt.Errorf("query %s challenge: %w", slot, err)
	}
	if !codeHash.Valid || !expiresAt.Valid {
		return Challenge{}, ErrNotFound
	}

	return Challenge{CodeHash: codeHash.String, ExpiresAt: expiresAt.Time.UTC()}, nil
}

func (r *Repository) ClearChallenge(ctx context.Context, id string, slot ChallengeSlot) error {
	hashColumn, expiresColumn, err := challengeColumns(slot)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE auth_credentials
		SET %s = NULL, %s = NULL, updated_at = NOW()
		WHERE id = $1
	`, hashColumn, expiresColumn), id)
	if err != nil {
		return fmt.Errorf("clear %s challenge: %w", slot, err)
	}

	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, id string, passwordHash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_credentials
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, now.UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

func (r *Repository) MarkEmailVerified(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_credentials
		SET email_verified = TRUE, updated_at = $2
		WHERE id = $1
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}

	return nil
}

func (r *Repository) Create(ctx context.Context, token RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens
			(id, owner_id, token_hash, issued_at, expires_at, created_by_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, token.ID, token.OwnerID, token.TokenHash, token.IssuedAt.UTC(),
		token.ExpiresAt.UTC(), token.CreatedByIP, token.UserAgent)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (r *Repository) FindByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var token RefreshToken
	var revokedAt sql.NullTime
	var revokedByIP, replacedBy sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, token_hash, issued_at, expires_at, created_by_ip,
			user_agent, revoked_at, revoked_by_ip, replaced_by
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&token.ID, &token.OwnerID, &token.TokenHash, &token.IssuedAt,
		&token.ExpiresAt, &token.CreatedByIP, &token.UserAgent, &revokedAt,
		&revokedByIP, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, fmt.Errorf("query refresh token: %w", err)
	}

	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		token.RevokedAt = &value
	}
	token.RevokedByIP = revokedByIP.String
	token.ReplacedBy = replacedBy.String

	return token, nil
}

func (r *Repository) MarkRotated(ctx context.Context, id string, replacedByHash, ip string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3, replaced_by = $4
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, id, now.UTC(), ip, replacedByHash)
	if err != nil {
		return false, fmt.Errorf("rotate refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate refresh token rows affected: %w", err)
	}

	return affected == 1, nil
}

func (r *Repository) Revoke(ctx context.Context, tokenHash, ip string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2),
			revoked_by_ip = COALESCE(revoked_by_ip, $3)
		WHERE token_hash = $1
	`, tokenHash, now.UTC(), ip)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) RevokeAllForOwner(ctx context.Context, ownerID, ip string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, revoked_by_ip = $3
		WHERE owner_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, ownerID, now.UTC(), ip)
	if err != nil {
		return 0, fmt.Errorf("revoke owner refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke owner refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) ListActiveForOwner(ctx context.Context, ownerID string, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT created_by_ip, user_agent, issued_at
		FROM auth_refresh_tokens
		WHERE owner_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY issued_at DESC
	`, ownerID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.IP, &session.UserAgent, &session.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.IssuedAt = session.IssuedAt.UTC()
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// SeedCredential inserts an active, verified credential when the username is
// not taken yet. Used by bootstrap to guarantee an operator account exists.
func (r *Repository) SeedCredential(ctx context.Context, username, email, plainPassword, roleID string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate credential id: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_credentials
			(id, username, email, password_hash, role_id, active, email_verified,
			failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, TRUE, 0, $6, $6)
		ON CONFLICT (username) DO NOTHING
	`, id.String(), username, email, string(hash), roleID, now)
	if err != nil {
		return fmt.Errorf("seed credential: %w", err)
	}

	return nil
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	ClearedLockouts      int64 `json:"cleared_lockouts"`
	ClearedChallenges    int64 `json:"cleared_challenges"`
}

// CleanupStaleAuthData deletes refresh tokens that expired or were revoked
// longer than the retention ago, and clears elapsed lockouts and expired
// challenge slots left behind by lazy expiry.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, refreshRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}

	now := time.Now().UTC()
	cutoff := now.Add(-refreshRetention)

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale refresh tokens: %w", err)
	}
	deletedTokens, err := res.RowsAffected()
	if err != nil {
		return CleanupResult{}, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	res, err = r.db.ExecContext(ctx, `
		UPDATE auth_credentials
		SET locked_until = NULL
		WHERE locked_until IS NOT NULL AND locked_until < $1
	`, now)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("clear elapsed lockouts: %w", err)
	}
	clearedLockouts, err := res.RowsAffected()
	if err != nil {
		return CleanupResult{}, fmt.Errorf("elapsed lockouts rows affected: %w", err)
	}

	var clearedChallenges int64
	for _, slot := range []ChallengeSlot{SlotEmailVerification, SlotPasswordReset, SlotLoginOtp} {
		hashColumn, expiresColumn, err := challengeColumns(slot)
		if err != nil {
			return CleanupResult{}, err
		}

		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE auth_credentials
			SET %[1]s = NULL, %[2]s = NULL
			WHERE %[1]s IS NOT NULL AND %[2]s < $1
		`, hashColumn, expiresColumn), now)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("clear expired %s challenges: %w", slot, err)
		}
		cleared, err := res.RowsAffected()
		if err != nil {
			return CleanupResult{}, fmt.Errorf("expired %s challenges rows affected: %w", slot, err)
		}
		clearedChallenges += cleared
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedTokens,
		ClearedLockouts:      clearedLockouts,
		ClearedChallenges:    clearedChallenges,
	}, nil
}
