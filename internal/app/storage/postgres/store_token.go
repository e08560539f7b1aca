package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/r3e-network/area-engine/infrastructure/crypto"
	"github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// tokenEnvelopeInfo scopes the derived key to this one field's purpose, so
// the same master key can't be replayed to decrypt unrelated ciphertext.
const tokenEnvelopeInfo = "service_token"

// ServiceTokenStore implementation. Access and refresh tokens are encrypted
// at rest with infrastructure/crypto's envelope scheme when the Store was
// built with a secret key (s.secretKey); a zero-value Store stores them in
// the clear, which is the local/in-memory-equivalent behaviour used by tests.

func (s *Store) GetServiceToken(ctx context.Context, ownerID, serviceID string) (automation.ServiceToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, service_id, access_token, refresh_token, expires_at,
		       scopes, token_type, last_used_at, created_at, updated_at
		FROM service_tokens WHERE owner_id = $1 AND service_id = $2
	`, ownerID, serviceID)
	return s.scanServiceToken(row)
}

func (s *Store) UpdateServiceToken(ctx context.Context, token automation.ServiceToken) (automation.ServiceToken, error) {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	token.UpdatedAt = time.Now().UTC()

	accessToken, err := s.encryptTokenField(token.OwnerID, token.ServiceID, token.AccessToken)
	if err != nil {
		return automation.ServiceToken{}, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshToken, err := s.encryptTokenField(token.OwnerID, token.ServiceID, token.RefreshToken)
	if err != nil {
		return automation.ServiceToken{}, fmt.Errorf("encrypt refresh token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_tokens (id, owner_id, service_id, access_token, refresh_token,
		                             expires_at, scopes, token_type, last_used_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_id, service_id) DO UPDATE
		SET access_token = $4, refresh_token = $5, expires_at = $6, scopes = $7,
		    token_type = $8, last_used_at = $9, updated_at = $10
	`, token.ID, token.OwnerID, token.ServiceID, accessToken, toNullString(refreshToken),
		expiresAtToNull(token.ExpiresAt), pq.Array(token.Scopes), token.TokenType,
		toNullTime(token.LastUsedAt), token.UpdatedAt)
	if err != nil {
		return automation.ServiceToken{}, err
	}
	return token, nil
}

func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE service_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

func (s *Store) ListExpiringBefore(ctx context.Context, before time.Time, limit int) ([]automation.ServiceToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, service_id, access_token, refresh_token, expires_at,
		       scopes, token_type, last_used_at, created_at, updated_at
		FROM service_tokens
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []automation.ServiceToken
	for rows.Next() {
		token, err := s.scanServiceToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	return out, rows.Err()
}

// encryptTokenField wraps plaintext in an envelope keyed to (ownerID,
// serviceID) when the Store has a secret key configured; otherwise it
// passes plaintext through unchanged.
func (s *Store) encryptTokenField(ownerID, serviceID, plaintext string) (string, error) {
	if len(s.secretKey) == 0 || plaintext == "" {
		return plaintext, nil
	}
	subject := []byte(ownerID + "|" + serviceID)
	ciphertext, err := crypto.EncryptEnvelope(s.secretKey, subject, tokenEnvelopeInfo, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return string(ciphertext), nil
}

func (s *Store) decryptTokenField(ownerID, serviceID, stored string) (string, error) {
	if len(s.secretKey) == 0 || stored == "" {
		return stored, nil
	}
	subject := []byte(ownerID + "|" + serviceID)
	plaintext, err := crypto.DecryptEnvelope(s.secretKey, subject, tokenEnvelopeInfo, []byte(stored))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Store) scanServiceToken(row rowScanner) (automation.ServiceToken, error) {
	var (
		token        automation.ServiceToken
		refreshToken sql.NullString
		expiresAt    sql.NullTime
		lastUsedAt   sql.NullTime
	)
	if err := row.Scan(&token.ID, &token.OwnerID, &token.ServiceID, &token.AccessToken,
		&refreshToken, &expiresAt, pq.Array(&token.Scopes), &token.TokenType,
		&lastUsedAt, &token.CreatedAt, &token.UpdatedAt); err != nil {
		return automation.ServiceToken{}, err
	}
	token.RefreshToken = fromNullString(refreshToken)
	token.LastUsedAt = fromNullTime(lastUsedAt)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		token.ExpiresAt = &t
	}

	accessToken, err := s.decryptTokenField(token.OwnerID, token.ServiceID, token.AccessToken)
	if err != nil {
		return automation.ServiceToken{}, fmt.Errorf("decrypt access token: %w", err)
	}
	token.AccessToken = accessToken

	refreshPlain, err := s.decryptTokenField(token.OwnerID, token.ServiceID, token.RefreshToken)
	if err != nil {
		return automation.ServiceToken{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	token.RefreshToken = refreshPlain

	return token, nil
}

func expiresAtToNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
