// Package cache provides the namespaced, durable response store used by the
// offline agent.
//
// A namespace is a named, versioned bucket ("static@1.0.1", "dynamic@1.0.1")
// of response snapshots keyed by (method, URL). Every backend preserves
// insertion order through a store-wide sequence number saved with each entry,
// so Keys always enumerates oldest first. Overwriting a key moves it to the
// newest position.
//
// # Backends
//
//   - RedisStore: go-redis, one hash and one sorted set per namespace
//   - BadgerStore: embedded BadgerDB, also usable in-memory
//   - SQLiteStore: pure-Go SQLite file
//
// # Basic Usage
//
//	store, err := cache.NewBadgerStore(cache.BadgerOptions{Dir: "/var/lib/offline-agent"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	ns, err := cache.Open(ctx, store, "dynamic@1.0.1")
//	if err != nil {
//		return err
//	}
//
//	entry, err := cache.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//	if err := ns.Put(ctx, entry); err != nil {
//		return err
//	}
//
//	cached, err := ns.Get(ctx, cache.NewKey(req))
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// not stored
//	}
//
// # Metrics
//
//   - offline_cache_hits_total{namespace}
//   - offline_cache_misses_total{namespace}
//   - offline_cache_writes_total{namespace}
//   - offline_cache_errors_total{operation}
package cache
