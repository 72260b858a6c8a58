package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// InsertActivities batch-inserts activity log entries. The log is append-only;
// entries are never updated or deleted.
func (db *DB) InsertActivities(ctx context.Context, entries []model.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range entries {
		e := &entries[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO activity_log (id, chat_id, agent_id, activity_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.ChatID, e.AgentID, e.Type, e.Payload, e.CreatedAt)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: insert activity batch: %w", err)
		}
	}
	return nil
}

// ListActivity returns the newest entries first. chatID filters to one chat;
// empty means all chats. before paginates backwards from a timestamp. The
// HasMore flag is derived by fetching one row past the limit.
func (db *DB) ListActivity(ctx context.Context, chatID string, limit int, before *time.Time) (*model.ActivityPage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, chat_id, agent_id, activity_type, payload, created_at
		FROM activity_log
		WHERE ($1 = '' OR chat_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id
		LIMIT $3`

	rows, err := db.pool.Query(ctx, query, chatID, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("storage: list activity: %w", err)
	}
	defer rows.Close()

	var entries []model.ActivityEntry
	for rows.Next() {
		var e model.ActivityEntry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.AgentID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan activity: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &model.ActivityPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
	}
	return page, nil
}

// CountActivity returns the number of entries of a given type for a chat.
func (db *DB) CountActivity(ctx context.Context, chatID string, typ model.ActivityType) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `
		SELECT count(*) FROM activity_log WHERE chat_id = $1 AND activity_type = $2`,
		chatID, typ).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count activity: %w", err)
	}
	return n, nil
}
