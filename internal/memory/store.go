// Package memory persists per-user conversation history and session timeout
// preferences.
package memory

import (
	"context"
	"errors"
	"fmt"

	"btbot/internal/models"
)

const DefaultTimeoutMinutes = 5

// ErrInvalidTimeout is returned by SetTimeout for out-of-range values.
var ErrInvalidTimeout = errors.New("invalid timeout")

// Store is the durable memory of the bot, keyed by platform user id.
type Store interface {
	// GetHistory returns every stored turn, most recent last.
	GetHistory(ctx context.Context, userID string) ([]models.Turn, error)
	// AppendTurn stores one more turn after the existing history.
	AppendTurn(ctx context.Context, userID, prompt, response string) error
	// GetTimeout returns the user's session timeout in minutes, or the default.
	GetTimeout(ctx context.Context, userID string) (int, error)
	// SetTimeout replaces the user's timeout preference.
	SetTimeout(ctx context.Context, userID string, minutes int) error
}

// StorageError wraps an I/O failure of the durable store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Recent returns the last n turns, oldest first.
func Recent(turns []models.Turn, n int) []models.Turn {
	if n <= 0 {
		return nil
	}
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
