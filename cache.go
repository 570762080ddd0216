package objcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/objcache/backend"
	"github.com/unkn0wn-root/objcache/backend/goredis"
	"github.com/unkn0wn-root/objcache/backend/goredisv8"
	"github.com/unkn0wn-root/objcache/backend/rueidis"
	c "github.com/unkn0wn-root/objcache/codec"
	"github.com/unkn0wn-root/objcache/internal/keys"
	"github.com/unkn0wn-root/objcache/internal/local"
)

// DefaultDrivers is the selection order when Options.Drivers is nil.
func DefaultDrivers() []backend.Driver {
	return []backend.Driver{goredis.Driver{}, goredisv8.Driver{}, rueidis.Driver{}}
}

type engine[V any] struct {
	codec    *c.Pipeline[V]
	keys     *keys.Router
	local    *local.Store
	conn     *backend.Connection
	dbs      *backend.DatabaseRouter
	log      Logger
	hooks    Hooks
	stats    stats
	graceful bool
	maxTTL   time.Duration
	selFlush bool

	degraded   atomic.Bool
	reconnects atomic.Uint64
}

func newEngine[V any](ctx context.Context, opts Options[V]) (*engine[V], error) {
	params, err := opts.Backend.Normalize()
	if err != nil {
		return nil, err
	}
	if opts.MaxTTL < 0 {
		return nil, &backend.Error{Kind: backend.KindConfiguration, Op: "options", Err: errors.New("negative max ttl")}
	}

	e := &engine[V]{
		graceful: opts.FailGracefully,
		maxTTL:   opts.MaxTTL,
		selFlush: opts.SelectiveFlush,
	}
	e.log = coalesce[Logger](opts.Logger, NopLogger{})
	e.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	inner := opts.Codec
	if inner == nil {
		if inner, err = c.ByName[V](opts.Serializer); err != nil {
			return nil, &backend.Error{Kind: backend.KindConfiguration, Op: "options", Err: err}
		}
	}
	if e.codec, err = c.NewPipeline(inner, opts.Compression); err != nil {
		return nil, &backend.Error{Kind: backend.KindConfiguration, Op: "options", Err: err}
	}

	e.keys, err = keys.New(keys.Config{
		Salt:              opts.Prefix,
		TenantID:          opts.TenantID,
		GlobalDB:          opts.GlobalDB,
		TenantDB:          opts.TenantDB,
		DatabasePerTenant: opts.DatabasePerTenant,
	})
	if err != nil {
		e.codec.Close()
		return nil, err
	}
	e.keys.AddGlobal(opts.GlobalGroups...)
	e.keys.AddIgnored(opts.IgnoredGroups...)
	e.keys.AddUnflushable(opts.UnflushableGroups...)

	e.local = local.New(local.Config{
		MaxEntries:      opts.LocalMaxEntries,
		MaxBytes:        opts.LocalMemoryLimit,
		MaxAge:          opts.LocalMaxAge,
		CleanupInterval: opts.LocalCleanupInterval,
		LockTimeout:     opts.LockTimeout,
		Probe:           opts.MemoryProbe,
		OnReset: func(op string, cause error) {
			e.log.Error("local tier reset", Fields{"op": op, "err": cause})
			e.hooks.LocalReset(op, cause)
		},
		OnLockTimeout: func(op string) {
			e.log.Warn("local tier lock timeout", Fields{"op": op})
			e.hooks.LocalLockTimeout(op)
		},
	})

	drivers := opts.Drivers
	if drivers == nil {
		drivers = DefaultDrivers()
	}
	driver, err := backend.Choose(opts.Client, drivers, params)
	if err != nil {
		e.release()
		return nil, err
	}
	if opts.Client != "" && driver.Name() != opts.Client {
		e.log.Warn("preferred client unavailable", Fields{"preferred": opts.Client, "using": driver.Name()})
	}

	e.conn = backend.NewConnection(driver, params, backend.ConnOptions{
		Retries: opts.ReconnectRetries,
		Delay:   opts.ReconnectDelay,
		OnRetry: func(attempt int, err error) {
			e.log.Warn("backend reconnect attempt failed", Fields{"attempt": attempt, "err": err})
		},
	})
	e.dbs = backend.NewDatabaseRouter(e.conn, backend.RouterOptions{
		Cooldown:  opts.DBFailureCooldown,
		Threshold: opts.DBFailureThreshold,
		OnFallback: func(target, fb int, cause error) {
			e.log.Warn("database unavailable, using fallback", Fields{"db": target, "fallback": fb, "err": cause})
			e.hooks.DatabaseFallback(target, fb, cause)
		},
	})

	if err := e.conn.Connect(ctx); err != nil {
		e.stats.recordError("connect", "", err)
		if !e.graceful {
			e.release()
			return nil, err
		}
		e.degrade(err)
	} else {
		st := e.conn.State()
		e.log.Info("objcache connected", Fields{"client": st.Driver, "version": st.Version, "db": st.DB, "addr": st.Addr})
	}

	for group, ks := range opts.PreloadKeys {
		if _, _, err := e.GetMultiple(ctx, ks, group, false); err != nil {
			e.log.Warn("preload failed", Fields{"group": group, "keys": len(ks), "err": err})
		}
	}
	return e, nil
}

func (e *engine[V]) release() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.keys.Close()
	e.codec.Close()
}

func (e *engine[V]) Close(context.Context) error {
	err := e.conn.Close()
	e.keys.Close()
	e.codec.Close()
	return err
}

// remote reports whether rt may touch the backend.
func (e *engine[V]) remote(rt keys.Route) bool {
	return rt.Class != keys.Ignored && !e.degraded.Load() && e.conn.Healthy()
}

// do runs fn on the database rt routes to and accounts the round trip.
func (e *engine[V]) do(ctx context.Context, rt keys.Route, fn func(backend.Client) error) error {
	db, err := e.dbs.Ensure(ctx, rt.DB)
	if err != nil {
		return err
	}
	start := time.Now()
	err = e.conn.Do(ctx, db, fn)
	e.stats.call(time.Since(start))
	return err
}

// ttl normalizes a requested expiration. Sub-second values round up so they
// never turn into "no expiry" on the wire.
func (e *engine[V]) ttl(d time.Duration) time.Duration {
	d = max(d, 0)
	if e.maxTTL > 0 && (d == 0 || d > e.maxTTL) {
		d = e.maxTTL
	}
	if d > 0 && d < time.Second {
		return time.Second
	}
	return d.Truncate(time.Second)
}

func (e *engine[V]) getLocal(key string) (V, bool) {
	raw, ok := e.local.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return v, false
	}
	return clone(v), true
}

// putLocal stores a private copy of v. size <= 0 means estimate.
func (e *engine[V]) putLocal(key string, v V, size int) {
	if size <= 0 {
		size = estimateSize(v)
	}
	e.local.Put(key, clone(v), size)
}

func clone[V any](v V) V {
	switch x := any(v).(type) {
	case interface{ Clone() V }:
		return x.Clone()
	case []byte:
		if cp, ok := any(bytes.Clone(x)).(V); ok {
			return cp
		}
	}
	return v
}

func estimateSize(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []byte:
		return len(x)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return 8
	case nil:
		return 1
	}
	return 64
}

func (e *engine[V]) encode(op string, rt keys.Route, key string, v V) ([]byte, error) {
	b, err := e.codec.Encode(v)
	if err != nil {
		e.stats.recordError(op, key, err)
		e.log.Warn("encode failed", Fields{"op": op, "group": rt.Group, "err": err})
		return nil, &OpError{Op: op, Key: key, Group: rt.Group, Err: err}
	}
	return b, nil
}

func (e *engine[V]) Add(ctx context.Context, key string, value V, group string, ttl time.Duration) (bool, error) {
	rt := e.keys.Derive(key, group)
	if e.local.Has(rt.Key) {
		return false, nil
	}
	if !e.remote(rt) {
		e.putLocal(rt.Key, value, 0)
		return true, nil
	}
	b, err := e.encode("add", rt, key, value)
	if err != nil {
		return false, err
	}
	var ok bool
	err = e.do(ctx, rt, func(cl backend.Client) (err error) {
		ok, err = cl.Set(ctx, rt.Key, b, e.ttl(ttl), backend.CondNX)
		return err
	})
	if err != nil {
		return false, e.fail("add", rt, key, err)
	}
	if ok {
		e.putLocal(rt.Key, value, len(b))
	}
	return ok, nil
}

func (e *engine[V]) Replace(ctx context.Context, key string, value V, group string, ttl time.Duration) (bool, error) {
	rt := e.keys.Derive(key, group)
	present := e.local.Has(rt.Key)
	if !e.remote(rt) {
		if !present {
			return false, nil
		}
		e.putLocal(rt.Key, value, 0)
		return true, nil
	}
	b, err := e.encode("replace", rt, key, value)
	if err != nil {
		return false, err
	}
	cond := backend.CondXX
	if present {
		cond = backend.CondAlways
	}
	var ok bool
	err = e.do(ctx, rt, func(cl backend.Client) (err error) {
		ok, err = cl.Set(ctx, rt.Key, b, e.ttl(ttl), cond)
		return err
	})
	if err != nil {
		return false, e.fail("replace", rt, key, err)
	}
	if ok {
		e.putLocal(rt.Key, value, len(b))
	}
	return ok, nil
}

func (e *engine[V]) Set(ctx context.Context, key string, value V, group string, ttl time.Duration) (bool, error) {
	rt := e.keys.Derive(key, group)
	if !e.remote(rt) {
		e.putLocal(rt.Key, value, 0)
		return true, nil
	}
	b, err := e.encode("set", rt, key, value)
	if err != nil {
		return false, err
	}
	var ok bool
	err = e.do(ctx, rt, func(cl backend.Client) (err error) {
		ok, err = cl.Set(ctx, rt.Key, b, e.ttl(ttl), backend.CondAlways)
		return err
	})
	if err != nil {
		e.local.Remove(rt.Key)
		return false, e.fail("set", rt, key, err)
	}
	if ok {
		e.putLocal(rt.Key, value, len(b))
	}
	return ok, nil
}

func (e *engine[V]) Get(ctx context.Context, key, group string, force bool) (V, bool, error) {
	var zero V
	rt := e.keys.Derive(key, group)
	if !force {
		if v, ok := e.getLocal(rt.Key); ok {
			e.stats.hit()
			return v, true, nil
		}
	}
	if !e.remote(rt) {
		e.stats.miss()
		return zero, false, nil
	}

	var (
		b     []byte
		found bool
	)
	err := e.do(ctx, rt, func(cl backend.Client) (err error) {
		b, found, err = cl.Get(ctx, rt.Key)
		return err
	})
	if err != nil {
		e.stats.miss()
		return zero, false, e.fail("get", rt, key, err)
	}
	if !found {
		e.stats.miss()
		return zero, false, nil
	}
	v, err := e.codec.Decode(b)
	if err != nil {
		e.stats.miss()
		return zero, false, e.fail("get", rt, key, err)
	}
	e.putLocal(rt.Key, v, len(b))
	e.stats.hit()
	return v, true, nil
}

func (e *engine[V]) Delete(ctx context.Context, key, group string) (bool, error) {
	rt := e.keys.Derive(key, group)
	e.local.Remove(rt.Key)
	if !e.remote(rt) {
		return true, nil
	}
	var n int64
	err := e.do(ctx, rt, func(cl backend.Client) (err error) {
		n, err = cl.Del(ctx, rt.Key)
		return err
	})
	if err != nil {
		return false, e.fail("delete", rt, key, err)
	}
	return n > 0, nil
}

func (e *engine[V]) FlushRuntime() { e.local.Clear() }

func (e *engine[V]) AddGlobalGroups(groups ...string)        { e.keys.AddGlobal(groups...) }
func (e *engine[V]) AddNonPersistentGroups(groups ...string) { e.keys.AddIgnored(groups...) }
func (e *engine[V]) AddUnflushableGroups(groups ...string)   { e.keys.AddUnflushable(groups...) }
func (e *engine[V]) SwitchTenant(id int)                     { e.keys.SwitchTenant(id) }

func (e *engine[V]) Supports(feature string) bool {
	switch feature {
	case FeatureAddMultiple, FeatureSetMultiple, FeatureGetMultiple, FeatureDeleteMultiple,
		FeatureFlushRuntime, FeatureFlushGroup:
		return true
	}
	return false
}

func (e *engine[V]) Info() Info {
	var in Info
	e.stats.fill(&in)
	st := e.conn.State()
	in.Meta = Meta{
		Client:     st.Driver,
		Version:    st.Version,
		DB:         st.DB,
		Databases:  st.Databases,
		Addr:       st.Addr,
		Tenant:     e.keys.Tenant(),
		Reconnects: st.Reconnects,
	}
	in.Healthy = st.Healthy && !e.degraded.Load()
	in.Degraded = e.degraded.Load()
	ls := e.local.Stats()
	in.Local = LocalStats(ls)
	in.Compression = e.codec.Stats()
	return in
}

func (e *engine[V]) ResetStats() { e.stats.reset() }

func (e *engine[V]) CompressionStats() c.CompressionStats { return e.codec.Stats() }

func (e *engine[V]) ConfigureCompression(enabled bool, minLength, level int) error {
	if err := e.codec.Configure(enabled, minLength, level); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

func (e *engine[V]) ConfigureLocalTier(maxEntries int) {
	e.local.Resize(maxEntries)
	st := e.local.Stats()
	e.log.Info("local tier resized", Fields{"max_entries": st.MaxEntries, "entries": st.Entries, "bytes": bytesField(st.Bytes)})
}

func (e *engine[V]) ResetDatabaseFailures() { e.dbs.ResetFailures() }

func (e *engine[V]) BackendVersion() string { return e.conn.Version() }

func (e *engine[V]) Healthy() bool { return !e.degraded.Load() && e.conn.Healthy() }
