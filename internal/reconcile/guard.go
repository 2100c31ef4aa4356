package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const defaultGuardPrefix = "entitlements:resync:"

// RedisGuard claims a session for one resync window with SET NX PX. The
// claim simply expires; nothing releases it early.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
}

func NewRedisGuard(client redis.Cmdable, prefix string) *RedisGuard {
	if client == nil {
		return nil
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultGuardPrefix
	}
	return &RedisGuard{client: client, prefix: prefix}
}

func (g *RedisGuard) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if g == nil || g.client == nil {
		return false, errors.New("resync guard not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, errors.New("resync guard key is empty")
	}
	if ttl <= 0 {
		// No cooldown means no window to coordinate.
		return true, nil
	}
	return g.client.SetNX(ctx, g.prefix+sessionID, uuid.NewString(), ttl).Result()
}
