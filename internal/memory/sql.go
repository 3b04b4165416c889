package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"btbot/internal/models"
	"btbot/internal/storage"
)

// SQLStore keeps memory in the user_memory and session_preferences tables.
type SQLStore struct {
	db             *sql.DB
	driver         string
	defaultTimeout int
	maxTimeout     int
}

// NewSQLStore builds a store on an already migrated database.
func NewSQLStore(db *sql.DB, driver string, defaultTimeout, maxTimeout int) *SQLStore {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeoutMinutes
	}
	if maxTimeout < defaultTimeout {
		maxTimeout = defaultTimeout
	}
	return &SQLStore{db: db, driver: driver, defaultTimeout: defaultTimeout, maxTimeout: maxTimeout}
}

func (s *SQLStore) GetHistory(ctx context.Context, userID string) ([]models.Turn, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT history_json FROM user_memory WHERE user_id = ?`, userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.Turn{}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get history", Err: err}
	}
	turns, err := decodeHistory(raw)
	if err != nil {
		return nil, &StorageError{Op: "get history", Err: err}
	}
	return turns, nil
}

// AppendTurn reads and rewrites the whole history inside one transaction so a
// concurrent reader sees either the previous or the new sequence.
func (s *SQLStore) AppendTurn(ctx context.Context, userID, prompt, response string) (err error) {
	if err := requireUser(userID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "append turn", Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT history_json FROM user_memory WHERE user_id = ?`+storage.LockSuffix(s.driver), userID,
	).Scan(&raw)
	var turns []models.Turn
	switch {
	case errors.Is(err, sql.ErrNoRows):
		turns = []models.Turn{}
	case err != nil:
		return &StorageError{Op: "append turn", Err: fmt.Errorf("read history: %w", err)}
	default:
		if turns, err = decodeHistory(raw); err != nil {
			return &StorageError{Op: "append turn", Err: err}
		}
	}

	turns = append(turns, models.Turn{Prompt: prompt, Response: response})
	data, err := json.Marshal(turns)
	if err != nil {
		return &StorageError{Op: "append turn", Err: fmt.Errorf("encode history: %w", err)}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO user_memory (user_id, history_json, updated_at) VALUES (?, ?, ?)`+
			storage.UpsertSuffix(s.driver, "user_id", "history_json", "updated_at"),
		userID, string(data), time.Now().UTC(),
	); err != nil {
		return &StorageError{Op: "append turn", Err: fmt.Errorf("write history: %w", err)}
	}
	if err = tx.Commit(); err != nil {
		return &StorageError{Op: "append turn", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func (s *SQLStore) GetTimeout(ctx context.Context, userID string) (int, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	var minutes int
	err := s.db.QueryRowContext(ctx,
		`SELECT timeout FROM session_preferences WHERE user_id = ?`, userID,
	).Scan(&minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaultTimeout, nil
	}
	if err != nil {
		return 0, &StorageError{Op: "get timeout", Err: err}
	}
	return minutes, nil
}

func (s *SQLStore) SetTimeout(ctx context.Context, userID string, minutes int) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if minutes < 1 || minutes > s.maxTimeout {
		return fmt.Errorf("%w: %d minutes (allowed 1-%d)", ErrInvalidTimeout, minutes, s.maxTimeout)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO session_preferences (user_id, timeout, updated_at) VALUES (?, ?, ?)`+
			storage.UpsertSuffix(s.driver, "user_id", "timeout", "updated_at"),
		userID, minutes, time.Now().UTC(),
	); err != nil {
		return &StorageError{Op: "set timeout", Err: err}
	}
	return nil
}

func decodeHistory(raw string) ([]models.Turn, error) {
	turns := []models.Turn{}
	if strings.TrimSpace(raw) == "" {
		return turns, nil
	}
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return turns, nil
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user_id is required")
	}
	return nil
}
