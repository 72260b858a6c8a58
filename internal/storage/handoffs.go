package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// CreateHandoff stores a handoff summary generated when an agent hands a chat
// back to a human.
func (db *DB) CreateHandoff(ctx context.Context, h *model.HandoffSummary) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO handoff_summaries (id, chat_id, agent_id, summary, key_points, suggested_next_steps, goal_status, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.ChatID, h.AgentID, h.Summary, h.KeyPoints, h.SuggestedNextSteps, h.GoalStatus, h.GeneratedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert handoff: %w", err)
	}
	return nil
}

// LatestHandoff returns the most recent handoff summary for a chat.
func (db *DB) LatestHandoff(ctx context.Context, chatID string) (*model.HandoffSummary, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, chat_id, agent_id, summary, key_points, suggested_next_steps, goal_status, generated_at
		FROM handoff_summaries
		WHERE chat_id = $1
		ORDER BY generated_at DESC
		LIMIT 1`, chatID)
	return scanHandoff(row)
}

// ListHandoffs returns handoff summaries for a chat, newest first.
func (db *DB) ListHandoffs(ctx context.Context, chatID string, limit int) ([]*model.HandoffSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, chat_id, agent_id, summary, key_points, suggested_next_steps, goal_status, generated_at
		FROM handoff_summaries
		WHERE chat_id = $1
		ORDER BY generated_at DESC
		LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list handoffs: %w", err)
	}
	defer rows.Close()

	var handoffs []*model.HandoffSummary
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		handoffs = append(handoffs, h)
	}
	return handoffs, rows.Err()
}

func scanHandoff(row pgx.Row) (*model.HandoffSummary, error) {
	var h model.HandoffSummary
	err := row.Scan(&h.ID, &h.ChatID, &h.AgentID, &h.Summary, &h.KeyPoints, &h.SuggestedNextSteps, &h.GoalStatus, &h.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan handoff: %w", err)
	}
	return &h, nil
}
