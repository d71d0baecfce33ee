package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pavelanni/paperscan/internal/model"
)

const operatorColumns = `id, username, display_name, password_hash, active, created_at`

// CreateOperator inserts a new operator.
func (s *Store) CreateOperator(ctx context.Context, o model.Operator) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO operators (username, display_name, password_hash, active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.Username, o.DisplayName, o.PasswordHash, o.Active, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create operator", "username", o.Username, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created operator", "id", id, "username", o.Username)
	return id, nil
}

func (s *Store) getOperator(ctx context.Context, where string, arg any) (*model.Operator, error) {
	var o model.Operator
	err := s.q.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE `+where+` = ?`, arg,
	).Scan(&o.ID, &o.Username, &o.DisplayName, &o.PasswordHash, &o.Active, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOperatorByUsername returns an operator by username, or nil.
func (s *Store) GetOperatorByUsername(ctx context.Context, username string) (*model.Operator, error) {
	return s.getOperator(ctx, "username", username)
}

// GetOperatorByID returns an operator by ID, or nil.
func (s *Store) GetOperatorByID(ctx context.Context, id int64) (*model.Operator, error) {
	return s.getOperator(ctx, "id", id)
}

// ListOperators returns all operators.
func (s *Store) ListOperators(ctx context.Context) ([]model.Operator, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+operatorColumns+` FROM operators ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []model.Operator
	for rows.Next() {
		var o model.Operator
		if err := rows.Scan(&o.ID, &o.Username, &o.DisplayName, &o.PasswordHash, &o.Active, &o.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, rows.Err()
}

// ToggleOperatorActive flips the active flag on an operator.
func (s *Store) ToggleOperatorActive(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `UPDATE operators SET active = NOT active WHERE id = ?`, id)
	return err
}
