package objcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/objcache/backend"
	c "github.com/unkn0wn-root/objcache/codec"
	"github.com/unkn0wn-root/objcache/internal/local"
)

// Cache is the two-tier object cache. V is the caller's value type; use
// Cache[any] for heterogeneous values.
//
// Every keyed operation takes a group. The empty group is "default".
// A zero ttl means no expiry unless Options.MaxTTL caps it.
type Cache[V any] interface {
	// Single
	Add(ctx context.Context, key string, value V, group string, ttl time.Duration) (bool, error)
	Replace(ctx context.Context, key string, value V, group string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value V, group string, ttl time.Duration) (bool, error)
	// Get consults the local tier first unless force is set.
	Get(ctx context.Context, key, group string, force bool) (v V, found bool, err error)
	Delete(ctx context.Context, key, group string) (bool, error)
	Increment(ctx context.Context, key string, n int64, group string) (int64, error)
	// Decrement never goes below zero.
	Decrement(ctx context.Context, key string, n int64, group string) (int64, error)

	// Bulk (per-key results; a failed batch marks all of its keys false)
	AddMultiple(ctx context.Context, items map[string]V, group string, ttl time.Duration) (map[string]bool, error)
	SetMultiple(ctx context.Context, items map[string]V, group string, ttl time.Duration) (map[string]bool, error)
	GetMultiple(ctx context.Context, keys []string, group string, force bool) (values map[string]V, missing []string, err error)
	DeleteMultiple(ctx context.Context, keys []string, group string) (map[string]bool, error)

	// Flush
	Flush(ctx context.Context) (bool, error)
	FlushGroup(ctx context.Context, group string) (bool, error)
	FlushRuntime()

	// Groups
	AddGlobalGroups(groups ...string)
	AddNonPersistentGroups(groups ...string)
	AddUnflushableGroups(groups ...string)
	SwitchTenant(id int)

	// Admin
	Supports(feature string) bool
	Info() Info
	ResetStats()
	CompressionStats() c.CompressionStats
	ConfigureCompression(enabled bool, minLength, level int) error
	ConfigureLocalTier(maxEntries int)
	ResetDatabaseFailures()
	BackendVersion() string
	Healthy() bool
	Reconnect(ctx context.Context) error
	Close(ctx context.Context) error
}

// Options configure the engine. Every field is optional.
type Options[V any] struct {
	// Connection
	Backend          backend.Params
	Client           string           // preferred driver name; unavailable => first available
	Drivers          []backend.Driver // nil => goredis, goredisv8, rueidis
	ReconnectRetries int              // 0 => 3
	ReconnectDelay   time.Duration    // 0 => 1s

	// Keys
	Prefix         string // salt prepended to every derived key
	SelectiveFlush bool   // Flush deletes only Prefix* keys instead of FLUSHDB
	MaxTTL         time.Duration

	// Serialization
	Serializer  string     // json (default) | msgpack | cbor | raw
	Codec       c.Codec[V] // wins over Serializer
	Compression c.CompressionOptions

	// FailGracefully turns backend failures into benign false/zero results
	// with a nil error. Otherwise they are returned, wrapped in ErrDegraded
	// once the backend is given up on.
	FailGracefully bool

	// Local tier
	LocalMaxEntries      int           // 0 => 1000
	LocalMemoryLimit     int64         // > 0 => budget in tracked bytes instead of GOMEMLIMIT
	LocalCleanupInterval time.Duration // 0 => 1h
	LocalMaxAge          time.Duration // 0 => 1h
	LockTimeout          time.Duration // 0 => 500ms
	MemoryProbe          local.MemoryProbe

	// Groups
	GlobalGroups      []string
	IgnoredGroups     []string
	UnflushableGroups []string
	PreloadKeys       map[string][]string // group -> keys fetched at construction

	// Routing
	GlobalDB           int
	TenantDB           int // 0 => 1
	TenantID           int // 0 => 1
	DatabasePerTenant  bool
	DBFailureCooldown  time.Duration // 0 => 5m
	DBFailureThreshold int           // 0 => 3

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// New connects and returns a ready cache. With FailGracefully a failed
// initial connect yields a cache that starts degraded; otherwise the
// connect error is returned.
func New[V any](ctx context.Context, opts Options[V]) (Cache[V], error) {
	return newEngine[V](ctx, opts)
}

// Features reported by Supports.
const (
	FeatureAddMultiple    = "add_multiple"
	FeatureSetMultiple    = "set_multiple"
	FeatureGetMultiple    = "get_multiple"
	FeatureDeleteMultiple = "delete_multiple"
	FeatureFlushRuntime   = "flush_runtime"
	FeatureFlushGroup     = "flush_group"
)
