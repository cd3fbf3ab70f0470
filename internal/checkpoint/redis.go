package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in Redis so several processes can serve the
// same threads. Save watches the thread key and commits in a MULTI block, so
// a concurrent writer aborts the transaction instead of being overwritten.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix (default: "hitl:checkpoint:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "hitl:checkpoint:"

// NewRedisStore connects to Redis and returns a store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
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

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(threadID string) string {
	return s.prefix + "thread:" + threadID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "threads"
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// Load returns the checkpoint of a thread.
func (s *RedisStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.key(threadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decode(data)
}

// Save writes cp if its version is current.
func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	next, data, err := prepare(cp, now())
	if err != nil {
		return err
	}
	key := s.key(cp.ThreadID)

	txf := func(tx *redis.Tx) error {
		var stored int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			existing, err := decode(raw)
			if err != nil {
				return err
			}
			stored = existing.Version
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("get checkpoint: %w", err)
		}
		if stored != cp.Version {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(next.UpdatedAt.UnixNano()),
				Member: cp.ThreadID,
			})
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) || errors.Is(err, ErrVersionConflict) {
			return ErrVersionConflict
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}

	commit(cp, next)
	return nil
}

// List returns summaries of all indexed checkpoints.
func (s *RedisStore) List(ctx context.Context) ([]Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}

	out := make([]Summary, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		cp, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
