// Package lock provides the lease a scheduler replica holds while it scans.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"practiceflow/internal/config"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lock is already held")

// Locker hands out leases keyed by name. A lease expires after ttl even if
// its holder never releases it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// New builds the locker named by the scheduler lock config.
func New(cfg config.LockConfig) (Locker, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(time.Now), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return NewRedis(client, cfg.KeyPrefix), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Redis leases a key with SET NX PX. Release deletes the key only while it
// still carries the holder's token.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", full, ErrHeld)
	}
	return &redisLease{client: r.client, key: full, token: token}, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	once   sync.Once
	err    error
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if _, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result(); err != nil {
			l.err = fmt.Errorf("release %s: %w", l.key, err)
		}
	})
	return l.err
}

// Local is an in-process Locker for single-replica deployments and tests.
type Local struct {
	now func() time.Time

	mu   sync.Mutex
	held map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal(now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{now: now, held: map[string]localEntry{}}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("%s: %w", key, ErrHeld)
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
