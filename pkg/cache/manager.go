package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// DefaultTTL is how long details stay cached when no TTL is configured.
const DefaultTTL = 24 * time.Hour

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles detail caching with a Redis backend.
type Manager struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager creates a new cache manager. A non-positive ttl selects
// DefaultTTL.
func NewManager(redisClient *redis.Client, ttl time.Duration) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:  redisClient,
		ttl:    ttl,
		logger: log.With().Str("component", "detail-cache").Logger(),
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheStoredBytes.Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PurgeTenant removes every cached detail of tenant and returns how many
// keys were deleted.
func (m *Manager) PurgeTenant(ctx context.Context, tenant string) (int, error) {
	var deleted int
	iter := m.redis.Scan(ctx, 0, TenantPattern(tenant), 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := m.redis.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				CacheErrors.WithLabelValues("purge").Inc()
				return deleted, fmt.Errorf("redis del: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return deleted, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return deleted, fmt.Errorf("redis del: %w", err)
	}
	return deleted, nil
}

// GetDetail returns the cached detail for a message. Errors count as a
// miss.
func (m *Manager) GetDetail(ctx context.Context, tenant, id string) (mailapi.MessageDetail, bool) {
	entry, err := m.Get(ctx, Key{Tenant: tenant, MessageID: id})
	if err != nil {
		if err != ErrCacheMiss {
			m.logger.Warn().Err(err).Str("tenant", tenant).Str("message_id", id).Msg("Cache get error")
		}
		return mailapi.MessageDetail{}, false
	}
	return entry.Detail, true
}

// PutDetail caches d. Placeholders are ignored and errors are logged.
func (m *Manager) PutDetail(ctx context.Context, tenant string, d mailapi.MessageDetail) {
	if d.Placeholder || d.ID == "" {
		return
	}
	// Let the write land even if the item deadline just fired.
	ctx = context.WithoutCancel(ctx)
	if err := m.Set(ctx, Key{Tenant: tenant, MessageID: d.ID}, NewEntry(d, m.ttl)); err != nil {
		m.logger.Warn().Err(err).Str("tenant", tenant).Str("message_id", d.ID).Msg("Cache set error")
	}
}
