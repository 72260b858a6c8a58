package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

const chatConfigColumns = `chat_id, agent_id, mode, status, enabled, self_driving_expires_at,
	messages_handled, last_activity_at, last_error, error_count, goal_behavior_override,
	created_at, updated_at`

// UpsertChatConfig creates or replaces the autopilot config for a chat.
// A re-enable resets counters and error state via the caller-provided struct.
func (db *DB) UpsertChatConfig(ctx context.Context, c *model.ChatConfig) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := db.pool.Exec(ctx, `
		INSERT INTO chat_configs (`+chatConfigColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chat_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			mode = EXCLUDED.mode,
			status = EXCLUDED.status,
			enabled = EXCLUDED.enabled,
			self_driving_expires_at = EXCLUDED.self_driving_expires_at,
			messages_handled = EXCLUDED.messages_handled,
			last_activity_at = EXCLUDED.last_activity_at,
			last_error = EXCLUDED.last_error,
			error_count = EXCLUDED.error_count,
			goal_behavior_override = EXCLUDED.goal_behavior_override,
			updated_at = EXCLUDED.updated_at`,
		c.ChatID, c.AgentID, c.Mode, c.Status, c.Enabled, c.SelfDrivingExpiresAt,
		c.MessagesHandled, c.LastActivityAt, c.LastError, c.ErrorCount, c.GoalBehaviorOverride,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert chat config: %w", err)
	}
	return nil
}

// GetChatConfig fetches the config for a chat. Returns ErrNotFound if the chat
// has never had autopilot enabled.
func (db *DB) GetChatConfig(ctx context.Context, chatID string) (*model.ChatConfig, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+chatConfigColumns+` FROM chat_configs WHERE chat_id = $1`, chatID)
	return scanChatConfig(row)
}

// ListChatConfigs returns all chat configs, most recently active first.
func (db *DB) ListChatConfigs(ctx context.Context) ([]*model.ChatConfig, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+chatConfigColumns+` FROM chat_configs
		 ORDER BY last_activity_at DESC NULLS LAST, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list chat configs: %w", err)
	}
	defer rows.Close()

	var configs []*model.ChatConfig
	for rows.Next() {
		c, err := scanChatConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// UpdateChatConfig persists mutable fields of an existing config.
func (db *DB) UpdateChatConfig(ctx context.Context, c *model.ChatConfig) error {
	c.UpdatedAt = time.Now().UTC()

	tag, err := db.pool.Exec(ctx, `
		UPDATE chat_configs
		SET agent_id = $2, mode = $3, status = $4, enabled = $5,
			self_driving_expires_at = $6, messages_handled = $7, last_activity_at = $8,
			last_error = $9, error_count = $10, goal_behavior_override = $11, updated_at = $12
		WHERE chat_id = $1`,
		c.ChatID, c.AgentID, c.Mode, c.Status, c.Enabled,
		c.SelfDrivingExpiresAt, c.MessagesHandled, c.LastActivityAt,
		c.LastError, c.ErrorCount, c.GoalBehaviorOverride, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update chat config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordHandled increments the handled-message counter and stamps activity.
// Called after a send-message action completes successfully.
func (db *DB) RecordHandled(ctx context.Context, chatID string, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE chat_configs
		SET messages_handled = messages_handled + 1, last_activity_at = $2, updated_at = $2
		WHERE chat_id = $1`, chatID, at.UTC())
	if err != nil {
		return fmt.Errorf("storage: record handled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordError marks a chat as errored and bumps its error counter.
func (db *DB) RecordError(ctx context.Context, chatID, message string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE chat_configs
		SET status = $2, last_error = $3, error_count = error_count + 1, updated_at = now()
		WHERE chat_id = $1`, chatID, model.StatusError, message)
	if err != nil {
		return fmt.Errorf("storage: record error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChatStatus updates only the status column.
func (db *DB) SetChatStatus(ctx context.Context, chatID string, status model.ChatStatus) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE chat_configs SET status = $2, updated_at = now() WHERE chat_id = $1`,
		chatID, status)
	if err != nil {
		return fmt.Errorf("storage: set chat status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChatConfig(row pgx.Row) (*model.ChatConfig, error) {
	var c model.ChatConfig
	err := row.Scan(
		&c.ChatID, &c.AgentID, &c.Mode, &c.Status, &c.Enabled, &c.SelfDrivingExpiresAt,
		&c.MessagesHandled, &c.LastActivityAt, &c.LastError, &c.ErrorCount, &c.GoalBehaviorOverride,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan chat config: %w", err)
	}
	return &c, nil
}
