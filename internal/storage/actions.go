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

const actionColumns = `id, seq, chat_id, agent_id, action_type, scheduled_for,
	message_text, message_id, status, attempts, last_error, created_at`

// CreateAction inserts a pending action and fills seq and created_at from the
// database.
func (db *DB) CreateAction(ctx context.Context, a *model.ScheduledAction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = model.ActionPending
	}

	err := db.pool.QueryRow(ctx, `
		INSERT INTO scheduled_actions (id, chat_id, agent_id, action_type, scheduled_for, message_text, message_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at`,
		a.ID, a.ChatID, a.AgentID, a.Type, a.ScheduledFor.UTC(), a.MessageText, a.MessageID, a.Status,
	).Scan(&a.Seq, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert action: %w", err)
	}
	return nil
}

// GetAction fetches a single action by ID.
func (db *DB) GetAction(ctx context.Context, id uuid.UUID) (*model.ScheduledAction, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE id = $1`, id)
	return scanAction(row)
}

// DueAction returns the earliest pending action with scheduled_for <= now,
// ties broken by insertion order. Returns ErrNoDueAction when nothing is due.
func (db *DB) DueAction(ctx context.Context, now time.Time) (*model.ScheduledAction, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for, seq
		LIMIT 1`, model.ActionPending, now.UTC())

	a, err := scanAction(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoDueAction
	}
	return a, err
}

// CountPending returns the number of pending actions across all chats.
func (db *DB) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM scheduled_actions WHERE status = $1`, model.ActionPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending actions: %w", err)
	}
	return n, nil
}

// PendingActions returns all pending actions for a chat in execution order.
func (db *DB) PendingActions(ctx context.Context, chatID string) ([]*model.ScheduledAction, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE chat_id = $1 AND status = $2
		ORDER BY scheduled_for, seq`, chatID, model.ActionPending)
	if err != nil {
		return nil, fmt.Errorf("storage: pending actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// NextPendingAction returns the earliest pending action for a chat regardless
// of due time, for status countdowns. Returns ErrNotFound when none exist.
func (db *DB) NextPendingAction(ctx context.Context, chatID string) (*model.ScheduledAction, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE chat_id = $1 AND status = $2
		ORDER BY scheduled_for, seq
		LIMIT 1`, chatID, model.ActionPending)
	return scanAction(row)
}

// ExecutingAction returns the chat's action currently in flight, if any.
// Returns ErrNotFound when nothing is executing.
func (db *DB) ExecutingAction(ctx context.Context, chatID string) (*model.ScheduledAction, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE chat_id = $1 AND status = $2
		LIMIT 1`, chatID, model.ActionExecuting)
	return scanAction(row)
}

// ListActions returns the most recent actions for a chat, any status.
func (db *DB) ListActions(ctx context.Context, chatID string, limit int) ([]*model.ScheduledAction, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE chat_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// MarkExecuting transitions a pending action to executing. Returns ErrNotFound
// if the action is missing or no longer pending, which makes the claim safe
// against concurrent ticks.
func (db *DB) MarkExecuting(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduled_actions SET status = $2 WHERE id = $1 AND status = $3`,
		id, model.ActionExecuting, model.ActionPending)
	if err != nil {
		return fmt.Errorf("storage: mark executing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted transitions an executing action to completed. Attempts is
// only bumped on the failure path.
func (db *DB) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduled_actions SET status = $2
		WHERE id = $1`, id, model.ActionCompleted)
	if err != nil {
		return fmt.Errorf("storage: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions an action to failed with the error message recorded.
// Failed actions are terminal; there is no retry path.
func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduled_actions SET status = $2, attempts = attempts + 1, last_error = $3
		WHERE id = $1`, id, model.ActionFailed, message)
	if err != nil {
		return fmt.Errorf("storage: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApproveAction releases a held action: replaces its text (possibly edited by
// the operator) and reschedules it. Only pending actions can be approved.
func (db *DB) ApproveAction(ctx context.Context, id uuid.UUID, text string, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduled_actions SET message_text = $2, scheduled_for = $3
		WHERE id = $1 AND status = $4`,
		id, text, at.UTC(), model.ActionPending)
	if err != nil {
		return fmt.Errorf("storage: approve action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelAction marks a single pending action cancelled.
func (db *DB) CancelAction(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduled_actions SET status = $2 WHERE id = $1 AND status = $3`,
		id, model.ActionCancelled, model.ActionPending)
	if err != nil {
		return fmt.Errorf("storage: cancel action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelChat bulk-cancels every pending action for a chat and returns how many
// were cancelled.
func (db *DB) CancelChat(ctx context.Context, chatID string) (int, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduled_actions SET status = $2 WHERE chat_id = $1 AND status = $3`,
		chatID, model.ActionCancelled, model.ActionPending)
	if err != nil {
		return 0, fmt.Errorf("storage: cancel chat actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanAction(row pgx.Row) (*model.ScheduledAction, error) {
	var a model.ScheduledAction
	err := row.Scan(
		&a.ID, &a.Seq, &a.ChatID, &a.AgentID, &a.Type, &a.ScheduledFor,
		&a.MessageText, &a.MessageID, &a.Status, &a.Attempts, &a.LastError, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan action: %w", err)
	}
	return &a, nil
}

func collectActions(rows pgx.Rows) ([]*model.ScheduledAction, error) {
	var actions []*model.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
