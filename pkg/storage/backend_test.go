package storage

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) *RedisBackend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackendFromClient(client, "test:")

	t.Cleanup(func() {
		_ = backend.Close()
	})
	return backend
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  setupMiniredis(t),
	}
}

func TestBackend_ThreadLifecycle(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			th := &Thread{ThreadID: "t1", OwnerID: "alice", Status: ThreadIdle, Metadata: map[string]any{"k": "v"}, CreatedAt: now, UpdatedAt: now}
			require.NoError(t, b.PutThread(ctx, th))

			got, err := b.GetThread(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "alice", got.OwnerID)
			assert.Equal(t, "v", got.Metadata["k"])

			// returned copies are detached from the stored value
			got.Metadata["k"] = "changed"
			again, err := b.GetThread(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "v", again.Metadata["k"])

			require.NoError(t, b.PutThread(ctx, &Thread{ThreadID: "t2", OwnerID: "bob", Status: ThreadIdle}))
			list, err := b.ListThreads(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "t1", list[0].ThreadID)

			require.NoError(t, b.PutRun(ctx, &Run{RunID: "r1", ThreadID: "t1", Status: RunPending, CreatedAt: now}))
			require.NoError(t, b.AppendCheckpoint(ctx, "t1", &StateSnapshot{CheckpointID: "c1"}))

			require.NoError(t, b.DeleteThread(ctx, "t1"))
			_, err = b.GetThread(ctx, "t1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.GetRun(ctx, "r1")
			assert.ErrorIs(t, err, ErrNotFound)
			cps, err := b.ListCheckpoints(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, cps)

			assert.ErrorIs(t, b.DeleteThread(ctx, "t1"), ErrNotFound)
		})
	}
}

func TestBackend_RunsInCreationOrder(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			for i := 0; i < 3; i++ {
				run := &Run{RunID: fmt.Sprintf("r%d", i), ThreadID: "t", Status: RunPending, CreatedAt: base.Add(time.Duration(i) * time.Millisecond)}
				require.NoError(t, b.PutRun(ctx, run))
			}
			// updating a run does not duplicate it in the thread index
			require.NoError(t, b.PutRun(ctx, &Run{RunID: "r0", ThreadID: "t", Status: RunSuccess, CreatedAt: base}))

			runs, err := b.ListRuns(ctx, "t")
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, "r0", runs[0].RunID)
			assert.Equal(t, RunSuccess, runs[0].Status)
			assert.Equal(t, "r2", runs[2].RunID)
		})
	}
}

func TestBackend_CheckpointTruncate(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, b.AppendCheckpoint(ctx, "t", &StateSnapshot{CheckpointID: fmt.Sprintf("c%d", i)}))
			}
			require.NoError(t, b.TruncateCheckpoints(ctx, "t", 2))

			cps, err := b.ListCheckpoints(ctx, "t")
			require.NoError(t, err)
			require.Len(t, cps, 2)
			assert.Equal(t, "c0", cps[0].CheckpointID)
			assert.Equal(t, "c1", cps[1].CheckpointID)

			require.NoError(t, b.TruncateCheckpoints(ctx, "t", 0))
			cps, err = b.ListCheckpoints(ctx, "t")
			require.NoError(t, err)
			assert.Empty(t, cps)
		})
	}
}

func TestBackend_Crons(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, b.PutCron(ctx, &CronJob{CronID: "c1", Schedule: "* * * * *", OwnerID: "alice", CreatedAt: now}))
			require.NoError(t, b.PutCron(ctx, &CronJob{CronID: "c2", Schedule: "* * * * *", OwnerID: "bob", CreatedAt: now.Add(time.Second)}))

			all, err := b.ListCrons(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "c1", all[0].CronID)

			mine, err := b.ListCrons(ctx, "bob")
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, "c2", mine[0].CronID)

			require.NoError(t, b.DeleteCron(ctx, "c1"))
			_, err = b.GetCron(ctx, "c1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, b.DeleteCron(ctx, "c1"), ErrNotFound)
		})
	}
}

func TestBackend_Closed(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Close())
			_, err := b.GetThread(context.Background(), "x")
			assert.ErrorIs(t, err, ErrStorageClosed)
			assert.ErrorIs(t, b.Ping(context.Background()), ErrStorageClosed)
		})
	}
}

func TestBackend_RejectsUnencodableValues(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bad := map[string]any{"score": math.NaN()}

			assert.Error(t, b.PutThread(ctx, &Thread{ThreadID: "t1", OwnerID: "alice", Metadata: bad}))
			_, err := b.GetThread(ctx, "t1")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.Error(t, b.PutRun(ctx, &Run{RunID: "r1", ThreadID: "t1", Metadata: bad}))
			runs, err := b.ListRuns(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, runs)

			assert.Error(t, b.AppendCheckpoint(ctx, "t1", &StateSnapshot{CheckpointID: "c1", Values: bad}))
			cps, err := b.ListCheckpoints(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, cps)
		})
	}
}
