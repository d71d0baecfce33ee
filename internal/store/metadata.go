package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/paperscan/internal/model"
)

const (
	keySpecification = "specification"
	keyVersionMap    = "version_map"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SaveSpecification stores the specification. It refuses to replace an
// existing specification with a different one.
func (s *Store) SaveSpecification(ctx context.Context, spec *model.Specification) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	prev, err := s.GetMetadata(ctx, keySpecification)
	if err != nil {
		return err
	}
	if prev != "" && prev != string(data) {
		return fmt.Errorf("%w: a different specification is already stored", model.ErrAlreadyPopulated)
	}
	return s.SetMetadata(ctx, keySpecification, string(data))
}

// GetSpecification returns the stored specification.
func (s *Store) GetSpecification(ctx context.Context) (*model.Specification, error) {
	data, err := s.GetMetadata(ctx, keySpecification)
	if err != nil {
		return nil, err
	}
	if data == "" {
		return nil, fmt.Errorf("specification: %w", model.ErrNotFound)
	}
	var spec model.Specification
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	return &spec, nil
}

// SaveVersionMap stores the frozen version map.
func (s *Store) SaveVersionMap(ctx context.Context, vmap model.VersionMap) error {
	data, err := json.Marshal(vmap)
	if err != nil {
		return err
	}
	return s.SetMetadata(ctx, keyVersionMap, string(data))
}

// GetVersionMap returns the stored version map.
func (s *Store) GetVersionMap(ctx context.Context) (model.VersionMap, error) {
	data, err := s.GetMetadata(ctx, keyVersionMap)
	if err != nil {
		return nil, err
	}
	if data == "" {
		return nil, fmt.Errorf("version map: %w", model.ErrNotFound)
	}
	var vmap model.VersionMap
	if err := json.Unmarshal([]byte(data), &vmap); err != nil {
		return nil, fmt.Errorf("decode version map: %w", err)
	}
	return vmap, nil
}
