package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using Redis.
// It provides durable storage shared by every server process pointing at
// the same Redis; thread ownership is still single-process.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "agentserver:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "agentserver:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

// Key helpers
func (b *RedisBackend) threadKey(id string) string      { return b.prefix + "thread:" + id }
func (b *RedisBackend) ownerThreadsKey(o string) string { return b.prefix + "owner-threads:" + o }
func (b *RedisBackend) runKey(id string) string         { return b.prefix + "run:" + id }
func (b *RedisBackend) threadRunsKey(id string) string  { return b.prefix + "thread-runs:" + id }
func (b *RedisBackend) checkpointsKey(id string) string { return b.prefix + "checkpoints:" + id }
func (b *RedisBackend) cronKey(id string) string        { return b.prefix + "cron:" + id }
func (b *RedisBackend) cronsKey() string                { return b.prefix + "crons" }

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *RedisBackend) getJSON(ctx context.Context, key string, v any) error {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// PutThread creates or replaces a thread and indexes it by owner.
func (b *RedisBackend) PutThread(ctx context.Context, thread *Thread) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.threadKey(thread.ThreadID), data, 0)
	pipe.SAdd(ctx, b.ownerThreadsKey(thread.OwnerID), thread.ThreadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (b *RedisBackend) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var t Thread
	if err := b.getJSON(ctx, b.threadKey(threadID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteThread removes a thread, its runs and its checkpoint log.
func (b *RedisBackend) DeleteThread(ctx context.Context, threadID string) error {
	t, err := b.GetThread(ctx, threadID)
	if err != nil {
		return err
	}

	runIDs, err := b.client.ZRange(ctx, b.threadRunsKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list thread runs: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.threadKey(threadID))
	pipe.SRem(ctx, b.ownerThreadsKey(t.OwnerID), threadID)
	for _, id := range runIDs {
		pipe.Del(ctx, b.runKey(id))
	}
	pipe.Del(ctx, b.threadRunsKey(threadID))
	pipe.Del(ctx, b.checkpointsKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// ListThreads returns the threads of an owner ordered by ID.
func (b *RedisBackend) ListThreads(ctx context.Context, ownerID string) ([]*Thread, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.ownerThreadsKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	// Redis sets are unordered
	sort.Strings(ids)

	threads := make([]*Thread, 0, len(ids))
	for _, id := range ids {
		t, err := b.GetThread(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				b.client.SRem(ctx, b.ownerThreadsKey(ownerID), id)
				continue
			}
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// PutRun creates or replaces a run. Runs are indexed per thread by creation time.
func (b *RedisBackend) PutRun(ctx context.Context, run *Run) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.runKey(run.RunID), data, 0)
	pipe.ZAdd(ctx, b.threadRunsKey(run.ThreadID), redis.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (b *RedisBackend) GetRun(ctx context.Context, runID string) (*Run, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var r Run
	if err := b.getJSON(ctx, b.runKey(runID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the runs of a thread in creation order.
func (b *RedisBackend) ListRuns(ctx context.Context, threadID string) ([]*Run, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.ZRange(ctx, b.threadRunsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, err := b.GetRun(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// AppendCheckpoint pushes a snapshot onto the thread's log list.
func (b *RedisBackend) AppendCheckpoint(ctx context.Context, threadID string, snapshot *StateSnapshot) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := b.client.RPush(ctx, b.checkpointsKey(threadID), data).Err(); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns the thread's log in creation order.
func (b *RedisBackend) ListCheckpoints(ctx context.Context, threadID string) ([]*StateSnapshot, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.LRange(ctx, b.checkpointsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}

	out := make([]*StateSnapshot, 0, len(data))
	for _, d := range data {
		var s StateSnapshot
		if err := json.Unmarshal([]byte(d), &s); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// TruncateCheckpoints keeps the first keep entries of the log.
func (b *RedisBackend) TruncateCheckpoints(ctx context.Context, threadID string, keep int) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	key := b.checkpointsKey(threadID)
	var err error
	if keep <= 0 {
		err = b.client.Del(ctx, key).Err()
	} else {
		err = b.client.LTrim(ctx, key, 0, int64(keep-1)).Err()
	}
	if err != nil {
		return fmt.Errorf("truncate checkpoints: %w", err)
	}
	return nil
}

// PutCron creates or replaces a cron job.
func (b *RedisBackend) PutCron(ctx context.Context, job *CronJob) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal cron: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.cronKey(job.CronID), data, 0)
	pipe.SAdd(ctx, b.cronsKey(), job.CronID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save cron: %w", err)
	}
	return nil
}

// GetCron retrieves a cron job by ID.
func (b *RedisBackend) GetCron(ctx context.Context, cronID string) (*CronJob, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var j CronJob
	if err := b.getJSON(ctx, b.cronKey(cronID), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// DeleteCron removes a cron job.
func (b *RedisBackend) DeleteCron(ctx context.Context, cronID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	n, err := b.client.Del(ctx, b.cronKey(cronID)).Result()
	if err != nil {
		return fmt.Errorf("delete cron: %w", err)
	}
	b.client.SRem(ctx, b.cronsKey(), cronID)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCrons returns stored cron jobs in creation order.
func (b *RedisBackend) ListCrons(ctx context.Context, ownerID string) ([]*CronJob, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.cronsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list crons: %w", err)
	}

	jobs := make([]*CronJob, 0, len(ids))
	for _, id := range ids {
		j, err := b.GetCron(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				b.client.SRem(ctx, b.cronsKey(), id)
				continue
			}
			return nil, err
		}
		if ownerID == "" || j.OwnerID == ownerID {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
