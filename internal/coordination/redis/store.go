// Package redis implements the coordination store on Redis. All conditional
// mutations run as server-side Lua scripts so concurrent workers never race
// between a read and a write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectTimeout = 5 * time.Second

var (
	incrIfBelowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
	redis.call('INCR', KEYS[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	decrFloorScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 1 then
	redis.call('DEL', KEYS[1])
	return 0
end
local value = redis.call('DECR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return value
`)

	acquireLockScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if not holder or holder == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

	releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

	incrWithTTLScript = redis.NewScript(`
local value = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return value
`)
)

// Store is a Redis-backed coordination store.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies the connection with a ping.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client (primarily for testing).
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying connection for collaborators that need raw
// list operations (the admission buffer).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// IncrementIfBelow implements coordination.Store.
func (s *Store) IncrementIfBelow(ctx context.Context, key string, ceiling int64, ttl time.Duration) (bool, error) {
	res, err := incrIfBelowScript.Run(ctx, s.client, []string{key}, ceiling, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("incr-if-below %s: %w", key, err)
	}
	return res == 1, nil
}

// DecrementFloor implements coordination.Store.
func (s *Store) DecrementFloor(ctx context.Context, key string, ttl time.Duration) error {
	if err := decrFloorScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("decr-floor %s: %w", key, err)
	}
	return nil
}

// RefreshTTL implements coordination.Store.
func (s *Store) RefreshTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("refresh ttl %s: %w", key, err)
	}
	return nil
}

// AcquireLock implements coordination.Store.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := acquireLockScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseLock implements coordination.Store.
func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	res, err := releaseLockScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return res == 1, nil
}

// SetValue implements coordination.Store.
func (s *Store) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetValue implements coordination.Store.
func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// TakeValue implements coordination.Store.
func (s *Store) TakeValue(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getdel %s: %w", key, err)
	}
	return value, true, nil
}

// Delete implements coordination.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// IncrementWithTTL implements coordination.Store.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	value, err := incrWithTTLScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return value, nil
}
