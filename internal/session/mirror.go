package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"btbot/internal/storage"
)

// Mirror persists which channels had a live session so the bot can tell them
// about an interrupted conversation after a restart. Members and timestamps
// are not persisted.
type Mirror interface {
	MarkActive(ctx context.Context, channelID string) error
	ClearActive(ctx context.Context, channelID string) error
	ActiveChannels(ctx context.Context) ([]string, error)
}

// SQLMirror stores the marker in the group_sessions table.
type SQLMirror struct {
	db     *sql.DB
	driver string
}

func NewSQLMirror(db *sql.DB, driver string) *SQLMirror {
	return &SQLMirror{db: db, driver: driver}
}

func (m *SQLMirror) MarkActive(ctx context.Context, channelID string) error {
	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO group_sessions (channel_id, active, updated_at) VALUES (?, 1, ?)`+
			storage.UpsertSuffix(m.driver, "channel_id", "active", "updated_at"),
		channelID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("mark channel %s active: %w", channelID, err)
	}
	return nil
}

func (m *SQLMirror) ClearActive(ctx context.Context, channelID string) error {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM group_sessions WHERE channel_id = ?`, channelID,
	); err != nil {
		return fmt.Errorf("clear channel %s: %w", channelID, err)
	}
	return nil
}

func (m *SQLMirror) ActiveChannels(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT channel_id FROM group_sessions WHERE active = 1 ORDER BY channel_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
