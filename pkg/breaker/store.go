package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists breaker state across sessions and processes.
type Store interface {
	// Load returns the stored state of tenant. ok is false when nothing
	// was stored.
	Load(ctx context.Context, tenant string) (s State, ok bool, err error)

	// Save stores the state of tenant.
	Save(ctx context.Context, tenant string, s State) error

	// Update applies fn to the stored state of tenant atomically and
	// returns the result. A missing entry starts from the zero State. fn may
	// run more than once and must only modify its argument.
	Update(ctx context.Context, tenant string, fn func(s *State)) (State, error)
}

// ErrUpdateConflict is returned when an atomic update kept losing races
// with concurrent writers.
var ErrUpdateConflict = errors.New("breaker state update conflict")

// maxUpdateAttempts bounds the optimistic transaction retries of RedisStore.
const maxUpdateAttempts = 8

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, tenant string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[tenant]
	return s, ok, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, tenant string, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[tenant] = s
	return nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, tenant string, fn func(s *State)) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.states[tenant]
	fn(&s)
	m.states[tenant] = s
	return s, nil
}

// Hash fields of the per-tenant state in Redis.
const (
	fieldIsOpen            = "is_open"
	fieldOpenedUntil       = "opened_until"
	fieldConsecutiveErrors = "consecutive_errors"
	fieldTransientErrors   = "transient_errors"
	fieldIsHeavy           = "is_heavy"
	fieldSuccessStreak     = "success_streak"
	fieldLastUpdate        = "last_update"
)

// RedisStore keeps one hash per tenant so breaker state survives restarts
// and is shared by every server instance.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore creates a RedisStore. Entries expire after ttl of
// inactivity; zero keeps them forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: client, ttl: ttl}
}

// Key returns the Redis key of tenant.
func Key(tenant string) string {
	return RedisKeyPrefix + tenant
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, tenant string) (State, bool, error) {
	fields, err := r.redis.HGetAll(ctx, Key(tenant)).Result()
	if err != nil {
		return State{}, false, fmt.Errorf("load breaker state: %w", err)
	}
	return parseState(fields)
}

// Save implements Store. All fields are written in one pipeline.
func (r *RedisStore) Save(ctx context.Context, tenant string, s State) error {
	pipe := r.redis.Pipeline()
	r.write(ctx, pipe, Key(tenant), s)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store breaker state in redis: %w", err)
	}
	return nil
}

// Update implements Store with WATCH/MULTI: the hash is read, fn applied
// and the result written in a transaction that aborts if another instance
// touched the key in between. Aborted transactions are retried.
func (r *RedisStore) Update(ctx context.Context, tenant string, fn func(s *State)) (State, error) {
	key := Key(tenant)

	var out State
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		s, _, err := parseState(fields)
		if err != nil {
			return err
		}
		fn(&s)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.write(ctx, pipe, key, s)
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := r.redis.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return State{}, fmt.Errorf("update breaker state in redis: %w", err)
	}
	return State{}, fmt.Errorf("%w: tenant %s", ErrUpdateConflict, tenant)
}

func (r *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, key string, s State) {
	pipe.HSet(ctx, key,
		fieldIsOpen, boolField(s.IsOpen),
		fieldOpenedUntil, millis(s.OpenedUntil),
		fieldConsecutiveErrors, s.ConsecutiveErrors,
		fieldTransientErrors, s.TransientErrors,
		fieldIsHeavy, boolField(s.IsHeavy),
		fieldSuccessStreak, s.SuccessStreak,
		fieldLastUpdate, millis(s.LastUpdate),
	)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
}

func parseState(fields map[string]string) (State, bool, error) {
	if len(fields) == 0 {
		return State{}, false, nil
	}

	var (
		s   State
		err error
	)
	s.IsOpen = fields[fieldIsOpen] == "1"
	s.IsHeavy = fields[fieldIsHeavy] == "1"
	if s.ConsecutiveErrors, err = atoi(fields, fieldConsecutiveErrors); err != nil {
		return State{}, false, err
	}
	if s.TransientErrors, err = atoi(fields, fieldTransientErrors); err != nil {
		return State{}, false, err
	}
	if s.SuccessStreak, err = atoi(fields, fieldSuccessStreak); err != nil {
		return State{}, false, err
	}
	if s.OpenedUntil, err = unixMilli(fields, fieldOpenedUntil); err != nil {
		return State{}, false, err
	}
	if s.LastUpdate, err = unixMilli(fields, fieldLastUpdate); err != nil {
		return State{}, false, err
	}
	return s, true, nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func atoi(fields map[string]string, name string) (int, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

func unixMilli(fields map[string]string, name string) (time.Time, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
