package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/pavelanni/paperscan/internal/model"
)

const authSessionTTL = 12 * time.Hour

// CreateAuthSession creates a new API token for an operator.
func (s *Store) CreateAuthSession(ctx context.Context, operatorID int64) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, operator_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, operatorID, now, now.Add(authSessionTTL),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetAuthSession returns the session for the given token, or nil if not found/expired.
func (s *Store) GetAuthSession(ctx context.Context, token string) (*model.AuthSession, error) {
	var sess model.AuthSession
	err := s.q.QueryRowContext(ctx,
		`SELECT id, operator_id, created_at, expires_at FROM auth_sessions WHERE id = ?`, token,
	).Scan(&sess.ID, &sess.OperatorID, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.DeleteAuthSession(ctx, token)
		return nil, nil
	}
	return &sess, nil
}

// DeleteAuthSession removes a token.
func (s *Store) DeleteAuthSession(ctx context.Context, token string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?`, token)
	return err
}

// CleanupExpiredSessions removes all expired tokens.
func (s *Store) CleanupExpiredSessions(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at < ?`, time.Now())
	return err
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
