package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments the counter and starts its expiry on first use.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisFixedWindow shares window counters across processes.
type RedisFixedWindow struct {
	client redis.Scripter
	cfg    Config
	prefix string
}

// NewRedisFixedWindow creates a limiter backed by client. Keys are stored
// under prefix.
func NewRedisFixedWindow(client redis.Scripter, cfg Config, prefix string) *RedisFixedWindow {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisFixedWindow{client: client, cfg: cfg, prefix: prefix}
}

func (r *RedisFixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	n, err := incrWindow.Run(ctx, r.client, []string{r.prefix + key}, r.cfg.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return n <= int64(r.cfg.Limit), nil
}
