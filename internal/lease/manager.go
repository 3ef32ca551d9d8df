package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func Key(identifier string) string {
	return "tomedu:lease:" + identifier
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end`)

// Manager keeps leases as Redis keys holding the worker id.
type Manager struct {
	rdb redis.UniversalClient
}

func NewManager(rdb redis.UniversalClient) *Manager {
	return &Manager{rdb: rdb}
}

// Acquire sets the lease only if no worker holds it. Re-acquiring our own lease extends it.
func (m *Manager) Acquire(ctx context.Context, identifier, holder string, ttl time.Duration) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, Key(identifier), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", identifier, err)
	}
	if ok {
		return true, nil
	}
	return m.Renew(ctx, identifier, holder, ttl)
}

// Renew extends the lease only while holder still owns it.
func (m *Manager) Renew(ctx context.Context, identifier, holder string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, m.rdb, []string{Key(identifier)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", identifier, err)
	}
	return n == 1, nil
}

func (m *Manager) Release(ctx context.Context, identifier, holder string) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{Key(identifier)}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", identifier, err)
	}
	return nil
}

func (m *Manager) Held(ctx context.Context, identifier string) (bool, error) {
	_, err := m.rdb.Get(ctx, Key(identifier)).Result()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("read lease %s: %w", identifier, err)
	}
}
