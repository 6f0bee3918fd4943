package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ci-exporter/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a Redis connection and checks that it is reachable
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// releaseScript deletes the lease only if it is still held by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the lease expiry out only if it is still held by the caller
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLeaseLost is reported when a held lease expired or was taken over
var ErrLeaseLost = errors.New("tick lease lost")

// TickLease is a Redis lock that lets one replica at a time run a tick
// against a shared store. The TTL bounds how long a crashed holder blocks others.
type TickLease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewTickLease creates a lease on key
func NewTickLease(client redis.Cmdable, key string, ttl time.Duration) *TickLease {
	return &TickLease{client: client, key: key, ttl: ttl}
}

// Acquire takes the lease. It returns a token for Release, or ok=false when
// another holder has it.
func (l *TickLease) Acquire(ctx context.Context) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire tick lease %s: %w", l.key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Extend renews the lease for another TTL. ok=false means token no longer
// holds it.
func (l *TickLease) Extend(ctx context.Context, token string) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend tick lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// TTL returns the lease time to live
func (l *TickLease) TTL() time.Duration {
	return l.ttl
}

// Release gives the lease back if token still holds it
func (l *TickLease) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release tick lease %s: %w", l.key, err)
	}
	return nil
}

// Holder returns the token currently holding the lease, or "" when it is free
func (l *TickLease) Holder(ctx context.Context) (string, error) {
	token, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return token, err
}
