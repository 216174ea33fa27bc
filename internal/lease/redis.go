package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// releaseScript deletes the lease key only when the caller still holds it,
// so an expired lease taken over by another node is never clobbered.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager grants leases through Redis for multi-node deployments.
// Leases carry a TTL so a crashed node frees its resources. Waiters poll;
// ordering across nodes is approximate, mutual exclusion is not.
type RedisManager struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewRedisManager wires the manager.
func NewRedisManager(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisManager {
	return &RedisManager{
		client:        client,
		ttl:           ttl,
		retryInterval: 250 * time.Millisecond,
		logger:        logger,
	}
}

func leaseKey(resource string) string {
	return "controlplane:lease:" + resource
}

func (m *RedisManager) Acquire(ctx context.Context, resource, holder string) (Lease, error) {
	key := leaseKey(resource)
	for {
		ok, err := m.client.SetNX(ctx, key, holder, m.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lease backend unavailable for %s: %w", resource, err)
		}
		if ok {
			m.logger.Debug("lease granted", "resource", resource, "holder", holder)
			return &redisLease{m: m, key: key, holder: holder}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lease on %s held elsewhere: %w", resource, model.ErrResourceBusy)
		case <-time.After(m.retryInterval):
		}
	}
}

type redisLease struct {
	m      *RedisManager
	key    string
	holder string
	once   sync.Once
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.m.client, []string{l.key}, l.holder).Err(); err != nil {
			l.m.logger.Warn("lease release failed", "key", l.key, "error", err)
		}
	})
}
