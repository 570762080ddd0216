// Package objcache is a two-tier object cache: a bounded in-process tier in
// front of a Redis-compatible backend. Reads are served locally when
// possible; writes go to both tiers.
//
// Components:
//   - codec: serializer (JSON, msgpack, CBOR, protobuf) plus optional gzip/zstd
//     compression behind a two-byte tag.
//   - internal/keys: derives backend keys and classifies groups.
//   - internal/local: the in-process tier with FIFO eviction and memory-pressure cleanup.
//   - backend: client adapters (go-redis v9, go-redis v8, rueidis), connection
//     health/reconnect and per-database routing.
//   - config: viper-backed file and OBJCACHE_* environment loader.
//   - metrics: Prometheus collector over Info.
//
// Keys:
//
//	<prefix><tenant|global>:<group>:<key>
//
// Groups:
//
//	global        - shared database, shared by every tenant
//	ignored       - local tier only (AddNonPersistentGroups)
//	unflushable   - FlushGroup refuses them
//
// When the backend is given up on (reconnect retries exhausted, or any
// command fails on the server) the cache degrades: it keeps working on the local
// tier, global groups read as ignored, and no backend call is attempted until
// Reconnect succeeds. FailGracefully decides whether callers see errors.
//
// Usage:
//
//	cache, err := objcache.New[User](ctx, objcache.Options[User]{
//	    Backend: backend.Params{Host: "127.0.0.1", Port: 6379},
//	    Prefix:  "app:",
//	})
//	_, _ = cache.Set(ctx, "42", u, "users", time.Hour)
//	u, ok, err := cache.Get(ctx, "42", "users", false)
package objcache
