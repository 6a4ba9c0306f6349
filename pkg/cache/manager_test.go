package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/mailfetch/pkg/mailapi"
)

// setupTestRedis connects to a local Redis and skips the test when none
// is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client, 0)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
	if manager.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", manager.ttl, DefaultTTL)
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, time.Hour)
}

func TestManager_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := Key{Tenant: "alice", MessageID: "m1"}
	entry := NewEntry(mailapi.MessageDetail{
		ID:      "m1",
		Subject: "Quarterly report",
		Date:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Attachments: []mailapi.Attachment{
			{Filename: "report.pdf", MIMEType: "application/pdf", Size: 1024},
		},
	}, 5*time.Minute)

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if retrieved.Detail.Subject != entry.Detail.Subject {
		t.Errorf("Subject mismatch: got %s, want %s", retrieved.Detail.Subject, entry.Detail.Subject)
	}
	if !retrieved.Detail.Date.Equal(entry.Detail.Date) {
		t.Errorf("Date mismatch: got %v, want %v", retrieved.Detail.Date, entry.Detail.Date)
	}
	if len(retrieved.Detail.Attachments) != 1 {
		t.Errorf("Attachments = %v", retrieved.Detail.Attachments)
	}

	ttl, err := client.TTL(ctx, key.String()).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Errorf("redis TTL = %v, want (0, 5m]", ttl)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	_, err := manager.Get(context.Background(), Key{Tenant: "alice", MessageID: "missing"})
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Get_ExpiredEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := Key{Tenant: "alice", MessageID: "old"}
	entry := &Entry{
		Detail:  mailapi.MessageDetail{ID: "old"},
		Expires: time.Now().Add(-1 * time.Hour),
	}

	// Set should not cache expired entries
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, err := manager.Get(ctx, key)
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}
}

func TestManager_Delete(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := Key{Tenant: "alice", MessageID: "m1"}
	if err := manager.Set(ctx, key, NewEntry(mailapi.MessageDetail{ID: "m1"}, time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := manager.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_NilEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	if err := manager.Set(context.Background(), Key{Tenant: "alice", MessageID: "m1"}, nil); err == nil {
		t.Error("Set with nil entry should return error")
	}
}

func TestManager_DetailCache(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	manager.PutDetail(ctx, "alice", mailapi.MessageDetail{ID: "m1", Subject: "hello"})
	manager.PutDetail(ctx, "alice", mailapi.Placeholder(mailapi.MessageStub{ID: "m2"}, nil))

	d, ok := manager.GetDetail(ctx, "alice", "m1")
	if !ok || d.Subject != "hello" {
		t.Errorf("GetDetail(m1) = %+v, %v", d, ok)
	}
	if _, ok := manager.GetDetail(ctx, "alice", "m2"); ok {
		t.Error("placeholders must not be cached")
	}
	if _, ok := manager.GetDetail(ctx, "bob", "m1"); ok {
		t.Error("details must not leak across tenants")
	}
}

func TestManager_PutDetail_CancelledContext(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	manager.PutDetail(ctx, "alice", mailapi.MessageDetail{ID: "m1"})

	if _, ok := manager.GetDetail(context.Background(), "alice", "m1"); !ok {
		t.Error("write issued with a cancelled context should still land")
	}
}

func TestManager_PurgeTenant(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		manager.PutDetail(ctx, "alice", mailapi.MessageDetail{ID: id})
	}
	manager.PutDetail(ctx, "bob", mailapi.MessageDetail{ID: "a"})

	n, err := manager.PurgeTenant(ctx, "alice")
	if err != nil {
		t.Fatalf("PurgeTenant failed: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d keys, want 3", n)
	}
	if _, ok := manager.GetDetail(ctx, "bob", "a"); !ok {
		t.Error("other tenants must be untouched")
	}
}

func TestManager_GetDetail_RedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", MaxRetries: -1})
	defer client.Close()
	manager := NewManager(client, time.Hour)

	if _, ok := manager.GetDetail(context.Background(), "alice", "m1"); ok {
		t.Error("unreachable redis should read as a miss")
	}
	// Must not panic or block.
	manager.PutDetail(context.Background(), "alice", mailapi.MessageDetail{ID: "m1"})
}
