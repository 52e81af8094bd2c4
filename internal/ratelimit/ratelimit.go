// Package ratelimit caps deployment submissions per client address. Counts
// live in Redis when configured and in process memory otherwise.
package ratelimit

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"webui-deployer/internal/config"
	"webui-deployer/internal/logger"
)

type Decision struct {
	Allowed bool
	Count   int
	ResetAt time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string) Decision
	Close() error
}

// New picks the Redis limiter when REDIS_ADDR is set and reachable, the
// in-memory one otherwise.
func New(ctx context.Context, cfg *config.Config) Limiter {
	rlLogger := logger.WithModule("ratelimit")

	if cfg.RedisAddr != "" {
		rl, err := NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.DeployRateLimit, cfg.DeployRateWindow)
		if err == nil {
			rlLogger.WithField("addr", cfg.RedisAddr).Info("Using Redis rate limiter")
			return rl
		}
		rlLogger.WithError(err).Warn("Redis unavailable, falling back to in-memory rate limiter")
	}
	return NewMemory(cfg.DeployRateLimit, cfg.DeployRateWindow)
}

type window struct {
	count   int
	resetAt time.Time
}

// Memory is a fixed-window limiter local to this process. A limit of 0
// allows everything.
type Memory struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func NewMemory(limit int, period time.Duration) *Memory {
	if period <= 0 {
		period = time.Minute
	}
	return &Memory{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (m *Memory) Allow(ctx context.Context, key string) Decision {
	if m.limit <= 0 {
		return Decision{Allowed: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}

	w, ok := m.windows[key]
	if !ok {
		w = &window{resetAt: now.Add(m.period)}
		m.windows[key] = w
	}
	w.count++

	return Decision{
		Allowed: w.count <= m.limit,
		Count:   w.count,
		ResetAt: w.resetAt,
	}
}

func (m *Memory) Close() error {
	return nil
}

// Redis is a fixed-window limiter shared through INCR and PEXPIRE. A key
// found without a TTL gets one on the next request. Redis errors fail open.
type Redis struct {
	client  *redis.Client
	limit   int
	period  time.Duration
	prefix  string
	timeout time.Duration
	logger  *logrus.Entry
}

func NewRedis(ctx context.Context, addr, password string, limit int, period time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	if period <= 0 {
		period = time.Minute
	}
	return &Redis{
		client:  client,
		limit:   limit,
		period:  period,
		prefix:  "webui-deployer:ratelimit:",
		timeout: 250 * time.Millisecond,
		logger:  logger.WithModule("ratelimit"),
	}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) Decision {
	if r.limit <= 0 {
		return Decision{Allowed: true}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	redisKey := r.prefix + key
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		r.logger.WithError(err).WithField("op", "incr").Error("Redis rate limiter error")
		return Decision{Allowed: true}
	}
	count := incr.Val()

	// PTTL reports a negative duration for a key with no expiry.
	ttl := pttl.Val()
	if ttl <= 0 {
		ttl = r.period
		if err := r.client.PExpire(ctx, redisKey, r.period).Err(); err != nil {
			r.logger.WithError(err).WithField("op", "expire").Error("Redis rate limiter error")
		}
	}

	return Decision{
		Allowed: int(count) <= r.limit,
		Count:   int(count),
		ResetAt: time.Now().Add(ttl),
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
