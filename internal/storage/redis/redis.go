package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goodtune/restatus/internal/config"
	"github.com/goodtune/restatus/internal/storage"
)

const indexKey = "restatus:docs"

func documentKey(name string) string {
	return fmt.Sprintf("restatus:doc:%s", name)
}

// Store implements storage.Store using Redis
type Store struct {
	client *redis.Client
	save   *redis.Script
	del    *redis.Script
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client: client,
		save:   redis.NewScript(saveDocumentScript),
		del:    redis.NewScript(deleteDocumentScript),
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Load decodes the named document into v
func (s *Store) Load(ctx context.Context, name string, v any) error {
	data, err := s.client.Get(ctx, documentKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", name, err)
	}
	return storage.Unmarshal(data, v)
}

// Save replaces the named document
func (s *Store) Save(ctx context.Context, name string, v any) error {
	data, err := storage.Marshal(v)
	if err != nil {
		return err
	}

	keys := []string{documentKey(name), indexKey}
	args := []interface{}{name, data, time.Now().UTC().Format(time.RFC3339Nano)}

	if err := s.save.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Delete removes the named document
func (s *Store) Delete(ctx context.Context, name string) error {
	keys := []string{documentKey(name), indexKey}
	if err := s.del.Run(ctx, s.client, keys, name).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// SavedAt returns the save time of every stored document
func (s *Store) SavedAt(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]time.Time, len(raw))
	for name, ts := range raw {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse saved_at for %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}
