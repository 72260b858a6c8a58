package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// CreateAgent inserts a new agent. ID and timestamps are assigned if unset.
func (db *DB) CreateAgent(ctx context.Context, a *model.Agent) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	behavior, err := json.Marshal(a.Behavior)
	if err != nil {
		return fmt.Errorf("storage: marshal agent behavior: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO agents (id, name, goal, system_prompt, goal_behavior, behavior, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Name, a.Goal, a.SystemPrompt, a.GoalBehavior, behavior, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by ID. Returns ErrNotFound if it does not exist.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, name, goal, system_prompt, goal_behavior, behavior, created_at, updated_at
		FROM agents WHERE id = $1`, id)
	return db.scanAgent(row)
}

// ListAgents returns all agents ordered by creation time.
func (db *DB) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, name, goal, system_prompt, goal_behavior, behavior, created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := db.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent persists name, goal, prompt, goal behavior and behavior settings.
func (db *DB) UpdateAgent(ctx context.Context, a *model.Agent) error {
	a.UpdatedAt = time.Now().UTC()

	behavior, err := json.Marshal(a.Behavior)
	if err != nil {
		return fmt.Errorf("storage: marshal agent behavior: %w", err)
	}

	tag, err := db.pool.Exec(ctx, `
		UPDATE agents
		SET name = $2, goal = $3, system_prompt = $4, goal_behavior = $5, behavior = $6, updated_at = $7
		WHERE id = $1`,
		a.ID, a.Name, a.Goal, a.SystemPrompt, a.GoalBehavior, behavior, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent. Fails if chat configs still reference it.
func (db *DB) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	var behavior []byte
	err := row.Scan(&a.ID, &a.Name, &a.Goal, &a.SystemPrompt, &a.GoalBehavior, &behavior, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan agent: %w", err)
	}

	// A corrupted behavior blob degrades to defaults rather than failing
	// the whole read. The row stays repairable via UpdateAgent.
	if err := json.Unmarshal(behavior, &a.Behavior); err != nil {
		db.logger.Warn("agent behavior unreadable, using defaults", "agent_id", a.ID, "error", err)
		a.Behavior = model.DefaultBehavior()
	}
	a.Behavior.Normalize()
	return &a, nil
}
