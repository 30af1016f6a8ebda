//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/choonkeat/codecollab/internal/database/migrate"
	"github.com/choonkeat/codecollab/internal/document"
	"github.com/choonkeat/codecollab/internal/filetree"
)

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:15",
		tcpostgres.WithDatabase("codecollab"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, connStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, migrate.Run(db, zap.NewNop()))

	store := New(db, Config{TTL: time.Hour}, zap.NewNop())

	t.Run("concurrent first joins create once", func(t *testing.T) {
		var mu sync.Mutex
		created := 0
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, outcome, err := store.GetOrCreate(ctx, "race")
				assert.NoError(t, err)
				if outcome == document.Created {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})

	t.Run("content and tree round trip", func(t *testing.T) {
		tree := filetree.Tree(`[{"id":"n1","name":"main.py","type":"file","children":[],"isOpen":true}]`)
		require.NoError(t, store.SetContent(ctx, "rt", "x=1"))
		require.NoError(t, store.SetFileTree(ctx, "rt", tree))

		doc, outcome, err := store.GetOrCreate(ctx, "rt")
		require.NoError(t, err)
		assert.Equal(t, document.Found, outcome)
		assert.Equal(t, "x=1", doc.Code)
		assert.JSONEq(t, string(tree), string(doc.FileTree))
	})

	t.Run("expired document is recreated", func(t *testing.T) {
		require.NoError(t, store.SetContent(ctx, "old", "stale"))

		store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		defer func() { store.now = time.Now }()

		doc, outcome, err := store.GetOrCreate(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, document.Created, outcome)
		assert.Empty(t, doc.Code)
	})

	t.Run("cleanup removes expired", func(t *testing.T) {
		require.NoError(t, store.SetContent(ctx, "gone", "x"))

		store.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
		defer func() { store.now = time.Now }()

		n, err := store.Cleanup(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
	})
}
