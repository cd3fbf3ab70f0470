package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/hitl/internal/conversation"
)

func sample(threadID string) *Checkpoint {
	call := conversation.ToolCall{ID: "c1", Name: "web_search", Arguments: map[string]any{"query": "go"}}
	return &Checkpoint{
		ThreadID: threadID,
		Messages: []conversation.Message{
			conversation.NewUser("research go"),
		},
		LoopCount:   1,
		SearchCount: 0,
		State:       StateAwaitingApproval,
		Pending: &PendingRound{
			AssistantText: "searching",
			Calls:         []conversation.ToolCall{call},
			Next:          0,
		},
	}
}

// runStoreSuite exercises the contract every backend shares.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		s := open(t)
		_, err := s.Load(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		s := open(t)
		cp := sample("thread-1")
		require.NoError(t, s.Save(ctx, cp))
		assert.Equal(t, int64(1), cp.Version)
		assert.False(t, cp.CreatedAt.IsZero())

		got, err := s.Load(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, StateAwaitingApproval, got.State)
		assert.Equal(t, 1, got.LoopCount)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "research go", got.Messages[0].Text)

		call, ok := got.Pending.Awaiting()
		require.True(t, ok)
		assert.Equal(t, "c1", call.ID)
		assert.Equal(t, "go", call.Arguments["query"])
	})

	t.Run("VersionConflict", func(t *testing.T) {
		s := open(t)
		cp := sample("thread-2")
		require.NoError(t, s.Save(ctx, cp))

		stale, err := s.Load(ctx, "thread-2")
		require.NoError(t, err)

		cp.LoopCount = 2
		require.NoError(t, s.Save(ctx, cp))
		assert.Equal(t, int64(2), cp.Version)

		stale.LoopCount = 5
		assert.ErrorIs(t, s.Save(ctx, stale), ErrVersionConflict)
		assert.Equal(t, int64(1), stale.Version, "failed save must not advance the version")

		got, err := s.Load(ctx, "thread-2")
		require.NoError(t, err)
		assert.Equal(t, 2, got.LoopCount)

		fresh := sample("thread-2")
		assert.ErrorIs(t, s.Save(ctx, fresh), ErrVersionConflict, "creating over an existing thread")
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, sample("thread-3")))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			cp, err := s.Load(ctx, "thread-3")
			require.NoError(t, err)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.Save(ctx, cp) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("List", func(t *testing.T) {
		s := open(t)
		a, b := sample("a"), sample("b")
		require.NoError(t, s.Save(ctx, a))
		require.NoError(t, s.Save(ctx, b))
		b.State = StateTerminated
		require.NoError(t, s.Save(ctx, b))

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[0].ThreadID)
		assert.Equal(t, StateTerminated, list[0].State)
		assert.Equal(t, 1, list[1].MessageCount)
	})

	t.Run("RejectsUnsafeThreadID", func(t *testing.T) {
		s := open(t)
		assert.ErrorIs(t, s.Save(ctx, sample("../etc")), ErrInvalidThreadID)
	})

	t.Run("Closed", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		_, err := s.Load(ctx, "x")
		assert.ErrorIs(t, err, ErrStorageClosed)
		assert.ErrorIs(t, s.Save(ctx, sample("x")), ErrStorageClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s := NewRedisStoreFromClient(client, "test:")
		t.Cleanup(func() {
			_ = s.Close()
		})
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Close()
		})
		return s
	})
}

// TestFirestoreStore runs against the Firestore emulator; the client picks
// up FIRESTORE_EMULATOR_HOST on its own.
func TestFirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewFirestoreStore(context.Background(), FirestoreConfig{
			ProjectID:  "hitl-test",
			Collection: "checkpoints_" + uuid.NewString(),
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Close()
		})
		return s
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Store: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Store: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Config{Store: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	_ = s.Close()

	_, err = Open(ctx, Config{Store: "postgres"})
	assert.ErrorContains(t, err, "unknown checkpoint store")

	_, err = Open(ctx, Config{Store: "redis"})
	assert.ErrorContains(t, err, "address is required")
}

func TestValidateThreadID(t *testing.T) {
	assert.NoError(t, ValidateThreadID("0b6f5c1e-8a7d-4d0e-9d1c-2f3a4b5c6d7e"))
	for _, id := range []string{"", "a/b", "..", "a b"} {
		assert.ErrorIs(t, ValidateThreadID(id), ErrInvalidThreadID, id)
	}
}
