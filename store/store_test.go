package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the shared contract against every local implementation.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("objects", func(t *testing.T) {
		_, err := s.GetObject(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		data := []byte(`{"a":1}`)
		require.NoError(t, s.PutObject(ctx, Hash(data), data))
		got, err := s.GetObject(ctx, Hash(data))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("branches", func(t *testing.T) {
		_, ok, err := s.GetBranch(ctx, "main")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.PutBranch(ctx, "main", "h1"))
		hash, ok, err := s.GetBranch(ctx, "main")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "h1", hash)
	})

	t.Run("listen", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		var (
			mu   sync.Mutex
			seen []string
			done = make(chan error, 1)
		)
		go func() {
			done <- s.Listen(ctx, "feature", func(hash string) {
				mu.Lock()
				seen = append(seen, hash)
				mu.Unlock()
			})
		}()

		// The subscription may become active after the first writes.
		n := 0
		require.Eventually(t, func() bool {
			n++
			if err := s.PutBranch(ctx, "feature", "h"+string(rune('a'+n%26))); err != nil {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			return len(seen) > 0
		}, 5*time.Second, 20*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("listen did not return after cancel")
		}
	})
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestBadger(t *testing.T) {
	b, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer b.Close()
	testStore(t, b)
}

func TestBadgerPersists(t *testing.T) {
	cfg := DefaultBadgerConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	b, err := OpenBadger(cfg)
	require.NoError(t, err)
	require.NoError(t, b.PutBranch(context.Background(), "main", "h1"))
	require.NoError(t, b.Close())

	b, err = OpenBadger(cfg)
	require.NoError(t, err)
	defer b.Close()
	hash, ok, err := b.GetBranch(context.Background(), "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "h1", hash)
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestMemoryListenDeliversCurrentValue(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.PutBranch(ctx, "main", "h1"))

	got := make(chan string, 4)
	go m.Listen(ctx, "main", func(hash string) { got <- hash })

	assert.Equal(t, "h1", <-got)
	require.NoError(t, m.PutBranch(ctx, "main", "h2"))
	assert.Equal(t, "h2", <-got)
}
