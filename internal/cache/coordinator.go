// Package cache provides the redis-backed read-through cache and the
// user-scoped invalidation contract that mutation paths rely on.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Scope names a family of cached reads keyed by user.
type Scope string

const (
	ScopeProfile   Scope = "profile"
	ScopeTeams     Scope = "teams"
	ScopeDashboard Scope = "dashboard"
)

const (
	defaultTTL       = 5 * time.Minute
	defaultScanCount = 256
	keySeparator     = ":"
)

var errMissingClient = errors.New("cache: redis client required")

// Config describes a Coordinator.
type Config struct {
	Client    redis.UniversalClient
	TTL       time.Duration
	ScanCount int64
	Logger    *zap.Logger
}

// Coordinator owns cached reads and their invalidation. A Coordinator
// without a client is disabled: reads always load, invalidation is a no-op.
type Coordinator struct {
	client    redis.UniversalClient
	ttl       time.Duration
	scanCount int64
	logger    *zap.Logger
}

// NewCoordinator wraps an existing redis client.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		client:    cfg.Client,
		ttl:       ttl,
		scanCount: scanCount,
		logger:    logger,
	}, nil
}

// Open parses the redis url, verifies connectivity and returns a Coordinator.
func Open(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Coordinator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCoordinator(Config{Client: client, TTL: ttl, Logger: logger})
}

// NewDisabled returns a Coordinator that never caches.
func NewDisabled() *Coordinator {
	return &Coordinator{logger: zap.NewNop()}
}

// Enabled reports whether a redis backend is attached.
func (c *Coordinator) Enabled() bool {
	return c != nil && c.client != nil
}

// Client exposes the underlying redis client for components sharing the connection.
func (c *Coordinator) Client() redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c.client
}

// Key builds the cache key for a user-scoped read.
func Key(scope Scope, userID string, parts ...string) string {
	segments := make([]string, 0, len(parts)+2)
	segments = append(segments, string(scope), userID)
	segments = append(segments, parts...)
	return strings.Join(segments, keySeparator)
}

// Invalidate deletes every cached entry of scope belonging to userID: the
// bare key and everything below it. Only the next read is guaranteed to miss;
// readers already holding a value keep it.
func (c *Coordinator) Invalidate(ctx context.Context, scope Scope, userID string) error {
	if !c.Enabled() || strings.TrimSpace(userID) == "" {
		return nil
	}

	base := Key(scope, userID)
	pattern := Key(scope, escapeGlob(userID), "*")
	keys := []string{base}

	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, c.scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", pattern, err)
	}
	c.logger.Debug("cache invalidated",
		zap.String("scope", string(scope)),
		zap.String("user_id", userID),
		zap.Int("keys", len(keys)))
	return nil
}

// InvalidateUsers invalidates scope for each user, continuing past failures.
func (c *Coordinator) InvalidateUsers(ctx context.Context, scope Scope, userIDs ...string) error {
	var errs []error
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if err := c.Invalidate(ctx, scope, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the redis connection.
func (c *Coordinator) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// Remember returns the cached value for key or loads, stores and returns it.
// Cache failures degrade to a direct load.
func Remember[T any](ctx context.Context, c *Coordinator, key string, load func(context.Context) (T, error)) (T, error) {
	if !c.Enabled() {
		return load(ctx)
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached T
		if decodeErr := json.Unmarshal(raw, &cached); decodeErr == nil {
			return cached, nil
		}
		c.logger.Warn("cache entry undecodable", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

func escapeGlob(value string) string {
	var builder strings.Builder
	builder.Grow(len(value))
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			builder.WriteRune('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
