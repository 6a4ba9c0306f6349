// Package cache stores resolved message details in Redis so repeated
// sessions for the same tenant skip detail requests they already paid
// quota for.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, 24*time.Hour)
//
//	key := cache.Key{Tenant: "alice@example.com", MessageID: "18c1f..."}
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from the backend
//	}
//
// The manager also satisfies the fetch engine's detail cache interface
// through GetDetail and PutDetail, which log and swallow Redis failures:
// a broken cache must never fail a fetch session.
//
// # Metrics
//
//   - mailfetch_detail_cache_hits_total
//   - mailfetch_detail_cache_misses_total
//   - mailfetch_detail_cache_stored_bytes_total
//   - mailfetch_detail_cache_errors_total{operation}
//
// Placeholders are never cached.
package cache
