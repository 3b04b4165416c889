package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btbot/internal/config"
	"btbot/internal/storage"
)

func TestSQLMirror(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(db, "sqlite3"))

	m := NewSQLMirror(db, "sqlite3")
	ctx := context.Background()

	ids, err := m.ActiveChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, m.MarkActive(ctx, "c2"))
	require.NoError(t, m.MarkActive(ctx, "c1"))
	require.NoError(t, m.MarkActive(ctx, "c1"))

	ids, err = m.ActiveChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)

	require.NoError(t, m.ClearActive(ctx, "c1"))
	require.NoError(t, m.ClearActive(ctx, "missing"))
	ids, err = m.ActiveChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, ids)
}
