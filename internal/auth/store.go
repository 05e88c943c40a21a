package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshToken is a persisted refresh credential record. Only the SHA-256
// hash of the opaque value ever reaches the database.
type RefreshToken struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
	Revoked   bool
}

// TokenStore is the contract the orchestrator needs from the refresh
// credential persistence layer.
type TokenStore interface {
	Rotate(ctx context.Context, userID int64) (string, error)
	Validate(ctx context.Context, rawToken string) (RefreshToken, error)
	Revoke(ctx context.Context, rawToken string) error
	RevokeAll(ctx context.Context, userID int64) error
}

type PostgresTokenStore struct {
	db         *sql.DB
	refreshTTL time.Duration
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
}

func NewPostgresTokenStore(db *sql.DB, refreshTTL time.Duration) *PostgresTokenStore {
	return &PostgresTokenStore{db: db, refreshTTL: refreshTTL}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Rotate replaces the user's refresh credential: every existing row for the
// user is deleted and a single new one inserted, in one transaction, so at
// most one live token per user exists at any point an outside observer can
// see. Returns the new opaque value.
func (s *PostgresTokenStore) Rotate(ctx context.Context, userID int64) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate refresh token id: %w", err)
	}
	raw := uuid.NewString()
	expiresAt := time.Now().UTC().Add(s.refreshTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin rotate tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE user_id = $1
	`, userID); err != nil {
		return "", fmt.Errorf("delete prior refresh tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, id.String(), userID, hashToken(raw), expiresAt); err != nil {
		return "", fmt.Errorf("insert refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit rotate tx: %w", err)
	}

	return raw, nil
}

// Validate looks the token up and checks revocation and expiry, in that
// order. Expiry is enforced here lazily; nothing sweeps the table in the
// background.
func (s *PostgresTokenStore) Validate(ctx context.Context, rawToken string) (RefreshToken, error) {
	var record RefreshToken
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hashToken(rawToken)).Scan(&record.ID, &record.UserID, &record.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrTokenNotFound
		}
		return RefreshToken{}, fmt.Errorf("query refresh token: %w", err)
	}

	record.Revoked = revokedAt.Valid
	if record.Revoked {
		return RefreshToken{}, ErrTokenRevoked
	}
	if !time.Now().UTC().Before(record.ExpiresAt.UTC()) {
		return RefreshToken{}, ErrTokenExpired
	}

	return record, nil
}

// Revoke marks the matching row revoked. A missing row is not an error:
// logout must succeed even when the token is already gone.
func (s *PostgresTokenStore) Revoke(ctx context.Context, rawToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, hashToken(rawToken), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll marks every token owned by the user revoked (forced global
// logout).
func (s *PostgresTokenStore) RevokeAll(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE user_id = $1
	`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return nil
}

// AllowLoginIP applies a fixed-window per-IP rate limit backed by a single
// upsert, so concurrent instances share the same counters.
func (s *PostgresTokenStore) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
					ELSE auth_login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
					ELSE auth_login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

// CleanupStale batch-deletes refresh tokens that expired or were revoked
// before the retention cutoff, plus idle rate-limit rows. Called from the
// maintenance endpoint, never from a background loop.
func (s *PostgresTokenStore) CleanupStale(ctx context.Context, refreshRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-refreshRetention)

	deletedTokens, err := s.deleteStaleTokens(ctx, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLimits, err := s.deleteStaleIPLimits(ctx, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedTokens,
		DeletedIPLimits:      deletedLimits,
	}, nil
}

func (s *PostgresTokenStore) deleteStaleTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < NOW() OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresTokenStore) deleteStaleIPLimits(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale login ip limits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale login ip limits rows affected: %w", err)
	}
	return affected, nil
}
