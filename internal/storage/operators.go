package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// CreateOperator inserts an operator identity with a pre-hashed API key.
func (db *DB) CreateOperator(ctx context.Context, op *model.Operator) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO operators (id, name, role, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		op.ID, op.Name, op.Role, op.APIKeyHash, op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert operator: %w", err)
	}
	return nil
}

// GetOperatorByName looks up an operator for authentication.
func (db *DB) GetOperatorByName(ctx context.Context, name string) (*model.Operator, error) {
	var op model.Operator
	err := db.pool.QueryRow(ctx, `
		SELECT id, name, role, api_key_hash, created_at FROM operators WHERE name = $1`,
		name).Scan(&op.ID, &op.Name, &op.Role, &op.APIKeyHash, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get operator: %w", err)
	}
	return &op, nil
}

// ListOperators returns all operators without key material beyond the hash.
func (db *DB) ListOperators(ctx context.Context) ([]*model.Operator, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, role, api_key_hash, created_at FROM operators ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list operators: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operator
	for rows.Next() {
		var op model.Operator
		if err := rows.Scan(&op.ID, &op.Name, &op.Role, &op.APIKeyHash, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan operator: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// SeedAdmin ensures an admin operator named "admin" exists with the given key
// hash. Existing rows are left untouched so a rotated env var does not clobber
// a manually managed key.
func (db *DB) SeedAdmin(ctx context.Context, apiKeyHash string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO operators (id, name, role, api_key_hash)
		VALUES ($1, 'admin', $2, $3)
		ON CONFLICT (name) DO NOTHING`,
		uuid.New(), model.RoleAdmin, apiKeyHash,
	)
	if err != nil {
		return fmt.Errorf("storage: seed admin: %w", err)
	}
	return nil
}
