package storage_test

import (
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/storage"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func runningOp(id string) *models.BackfillOperation {
	return &models.BackfillOperation{
		ID:              id,
		ChannelID:       "C1",
		Status:          models.BackfillRunning,
		ProgressPercent: 42,
		Stats:           models.BackfillStats{NewMessages: 7},
		StartedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

// progressStoreContract is exercised against every ProgressStore implementation.
func progressStoreContract(t *testing.T, store storage.ProgressStore) {
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	op := runningOp("op-1")
	require.NoError(t, store.Set(ctx, op))

	got, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 42, got.ProgressPercent)
	assert.Equal(t, 7, got.Stats.NewMessages)

	// Mutating the returned copy must not leak into the store.
	got.ProgressPercent = 99
	again, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 42, again.ProgressPercent)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, "op-1"))
	_, err = store.Get(ctx, "op-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "op-1"))
}

func TestMemoryProgressStore_Contract(t *testing.T) {
	progressStoreContract(t, storage.NewMemoryProgressStore(time.Hour))
}

func TestRedisProgressStore_Contract(t *testing.T) {
	_, client := startTestRedis(t)
	progressStoreContract(t, storage.NewRedisProgressStore(client, time.Hour))
}

func TestMemoryProgressStore_SweepEvictsExpiredTerminalOnly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryProgressStore(10 * time.Millisecond)

	require.NoError(t, store.Set(ctx, runningOp("running")))
	done := runningOp("done")
	done.Status = models.BackfillCompleted
	require.NoError(t, store.Set(ctx, done))

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retention window not over yet")

	time.Sleep(20 * time.Millisecond)
	n, err = store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "done")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, "running")
	assert.NoError(t, err)
}

func TestRedisProgressStore_TerminalSnapshotsExpire(t *testing.T) {
	ctx := context.Background()
	server, client := startTestRedis(t)
	store := storage.NewRedisProgressStore(client, time.Minute)

	require.NoError(t, store.Set(ctx, runningOp("running")))
	done := runningOp("done")
	done.Status = models.BackfillCancelled
	require.NoError(t, store.Set(ctx, done))

	assert.Equal(t, time.Duration(0), server.TTL("backfill:op:running"))
	assert.Equal(t, time.Minute, server.TTL("backfill:op:done"))

	server.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "done")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired snapshot is pruned from the index")

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "running", all[0].ID)
}

func TestRunSweeper_StopsWithContext(t *testing.T) {
	store := storage.NewMemoryProgressStore(time.Millisecond)
	done := runningOp("done")
	done.Status = models.BackfillFailed
	require.NoError(t, store.Set(context.Background(), done))

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 16)
	finished := make(chan struct{})
	go func() {
		storage.RunSweeper(ctx, store, 5*time.Millisecond, func(n int, err error) {
			if n > 0 {
				swept <- n
			}
		})
		close(finished)
	}()

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not run")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
