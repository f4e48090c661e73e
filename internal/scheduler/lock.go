package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLocked indicates another pass holds the lock.
	ErrLocked = errors.New("scheduler: lock held by another pass")
	// ErrLeaseLost indicates the lease expired or was taken over before it was extended.
	ErrLeaseLost = errors.New("scheduler: lease lost")
)

const lockKeyPrefix = "pimsync:pass:server:"

// Locker hands out exclusive, expiring leases keyed by name.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is one acquired lock. Extend pushes the expiry to ttl from now while the lease is
// still held.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

func serverLockKey(serverID uint) string {
	return fmt.Sprintf("%s%d", lockKeyPrefix, serverID)
}

// MemoryLocker is the in-process Locker used when no redis is configured.
type MemoryLocker struct {
	mu    sync.Mutex
	clock func() time.Time
	held  map[string]memoryHold
}

type memoryHold struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{clock: time.Now, held: make(map[string]memoryHold)}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if hold, ok := l.held[key]; ok && now.Before(hold.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.held[key] = memoryHold{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	now := l.locker.clock()
	hold, ok := l.locker.held[l.key]
	if !ok || hold.token != l.token || !now.Before(hold.expires) {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	hold.expires = now.Add(ttl)
	l.locker.held[l.key] = hold
	return nil
}

func (l *memoryLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if hold, ok := l.locker.held[l.key]; ok && hold.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the key's expiry only while it still carries the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares pass locks between processes through SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker wraps an existing redis client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// NewRedisClient parses redisURL and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, ErrLocked
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	extended, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if extended == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
