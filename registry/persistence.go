package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/meshindex/core"
	"github.com/itsneelabh/meshindex/index"
	"github.com/itsneelabh/meshindex/resilience"
)

// SnapshotStore persists the flat index snapshot for warm restarts.
// Load returns core.ErrSnapshotNotFound when nothing has been saved yet;
// callers treat that as a cold start, not a failure.
type SnapshotStore interface {
	Save(ctx context.Context, snap *index.Snapshot) error
	Load(ctx context.Context) (*index.Snapshot, error)
}

// FileSnapshotStore writes the snapshot as JSON to a single file, using a
// temp-file rename so a crash mid-save never corrupts the previous
// snapshot.
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a store at the given path.
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

func (s *FileSnapshotStore) Save(ctx context.Context, snap *index.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: marshaling snapshot: %v", core.ErrPersistence, err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrPersistence, err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing snapshot: %v", core.ErrPersistence, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: committing snapshot: %v", core.ErrPersistence, err)
	}
	return nil
}

func (s *FileSnapshotStore) Load(ctx context.Context) (*index.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, core.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot: %v", core.ErrPersistence, err)
	}
	var snap index.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot: %v", core.ErrPersistence, err)
	}
	return &snap, nil
}

// RedisSnapshotStore keeps the snapshot in Redis under a namespaced key.
// Saves are retried; Redis being unreachable degrades to cold starts, it
// never takes the engine down.
type RedisSnapshotStore struct {
	client    *redis.Client
	namespace string
	retryCfg  *resilience.RetryConfig
}

// NewRedisSnapshotStore connects to Redis and verifies the connection.
func NewRedisSnapshotStore(redisURL, namespace string) (*RedisSnapshotStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSnapshotStore{
		client:    client,
		namespace: namespace,
		retryCfg:  resilience.DefaultRetryConfig(),
	}, nil
}

func (s *RedisSnapshotStore) key() string {
	return fmt.Sprintf("%s:snapshot", s.namespace)
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap *index.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: marshaling snapshot: %v", core.ErrPersistence, err)
	}
	err = resilience.Retry(ctx, s.retryCfg, func() error {
		return s.client.Set(ctx, s.key(), data, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: saving snapshot to redis: %v", core.ErrPersistence, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context) (*index.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key()).Result()
	if err == redis.Nil {
		return nil, core.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading snapshot from redis: %v", core.ErrPersistence, err)
	}
	var snap index.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot: %v", core.ErrPersistence, err)
	}
	return &snap, nil
}

// Close releases the Redis connection.
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}

// newStoreFromConfig builds the snapshot store the configuration names,
// or nil for "none".
func newStoreFromConfig(cfg core.PersistenceConfig, namespace string) (SnapshotStore, error) {
	switch cfg.Provider {
	case "file":
		return NewFileSnapshotStore(cfg.Path), nil
	case "redis":
		return NewRedisSnapshotStore(cfg.RedisURL, namespace)
	default:
		return nil, nil
	}
}
