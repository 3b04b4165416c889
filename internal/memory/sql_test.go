package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btbot/internal/config"
	"btbot/internal/models"
	"btbot/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetHistoryEmptyForUnknownUser(t *testing.T) {
	store := NewSQLStore(openTestDB(t), "sqlite3", 5, 60)

	turns, err := store.GetHistory(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, turns)
	assert.Empty(t, turns)
}

func TestAppendTurnRoundTrip(t *testing.T) {
	store := NewSQLStore(openTestDB(t), "sqlite3", 5, 60)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, "u1", "hi", "hello"))
	before, err := store.GetHistory(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, store.AppendTurn(ctx, "u1", "how are you", "great"))
	after, err := store.GetHistory(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, after, len(before)+1)
	assert.Equal(t, before, after[:len(before)])
	assert.Equal(t, models.Turn{Prompt: "how are you", Response: "great"}, after[len(after)-1])
}

func TestAppendTurnDoesNotCapStoredHistory(t *testing.T) {
	store := NewSQLStore(openTestDB(t), "sqlite3", 5, 60)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, store.AppendTurn(ctx, "u1", "p", "r"))
	}
	turns, err := store.GetHistory(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, turns, 8)
	assert.Len(t, Recent(turns, 5), 5)
}

func TestHistoriesAreKeyedByUser(t *testing.T) {
	store := NewSQLStore(openTestDB(t), "sqlite3", 5, 60)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, "u1", "a", "b"))
	turns, err := store.GetHistory(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestTimeoutDefaultAndUpsert(t *testing.T) {
	store := NewSQLStore(openTestDB(t), "sqlite3", 5, 60)
	ctx := context.Background()

	minutes, err := store.GetTimeout(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, minutes)

	require.NoError(t, store.SetTimeout(ctx, "u1", 15))
	require.NoError(t, store.SetTimeout(ctx, "u1", 15))
	minutes, err = store.GetTimeout(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 15, minutes)

	require.NoError(t, store.SetTimeout(ctx, "u1", 7))
	minutes, err = store.GetTimeout(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, minutes)
}

func TestSetTimeoutRejectsOutOfRange(t *testing.T) {
	store := NewSQLStore(openTestDB(t), "sqlite3", 5, 60)
	ctx := context.Background()

	for _, minutes := range []int{0, -3, 61} {
		err := store.SetTimeout(ctx, "u1", minutes)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTimeout))
		assert.False(t, IsStorageError(err))
	}
}

func TestStorageErrorWhenDatabaseClosed(t *testing.T) {
	db := openTestDB(t)
	store := NewSQLStore(db, "sqlite3", 5, 60)
	db.Close()

	_, err := store.GetHistory(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, IsStorageError(err))

	err = store.AppendTurn(context.Background(), "u1", "p", "r")
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
}

func TestRecent(t *testing.T) {
	turns := []models.Turn{{Prompt: "1"}, {Prompt: "2"}, {Prompt: "3"}}
	assert.Equal(t, []models.Turn{{Prompt: "2"}, {Prompt: "3"}}, Recent(turns, 2))
	assert.Equal(t, turns, Recent(turns, 10))
	assert.Nil(t, Recent(turns, 0))
}

func TestAppendTurnConcurrentWritersOnFileDB(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "memory.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	store := NewSQLStore(db, "sqlite3", 5, 60)

	const writers, perWriter = 4, 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := store.AppendTurn(context.Background(), "u1", fmt.Sprintf("w%d-%d", w, i), "ok"); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	require.Empty(t, errs)
	turns, err := store.GetHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, turns, writers*perWriter)
}
