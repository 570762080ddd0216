package objcache

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/unkn0wn-root/objcache/backend"
	"github.com/unkn0wn-root/objcache/internal/keys"
)

type pending struct {
	key string
	rt  keys.Route
}

func (e *engine[V]) GetMultiple(ctx context.Context, ks []string, group string, force bool) (map[string]V, []string, error) {
	out := make(map[string]V, len(ks))
	var todo []pending
	seen := make(map[string]struct{}, len(ks))
	for _, k := range ks {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		rt := e.keys.Derive(k, group)
		if !force {
			if v, ok := e.getLocal(rt.Key); ok {
				e.stats.hit()
				out[k] = v
				continue
			}
		}
		todo = append(todo, pending{key: k, rt: rt})
	}

	var firstErr error
	for _, chunk := range chunk(todo, batchSize) {
		rt := chunk[0].rt
		if !e.remote(rt) {
			break
		}
		derived := make([]string, len(chunk))
		for i, p := range chunk {
			derived[i] = p.rt.Key
		}
		var vals [][]byte
		err := e.do(ctx, rt, func(cl backend.Client) (err error) {
			vals, err = cl.MGet(ctx, derived...)
			return err
		})
		if err != nil {
			e.hooks.BatchFailed("get_multiple", len(chunk), err)
			if ferr := e.fail("get_multiple", rt, "", err); firstErr == nil {
				firstErr = ferr
			}
			continue
		}
		for i, p := range chunk {
			if i >= len(vals) || vals[i] == nil {
				continue
			}
			v, err := e.codec.Decode(vals[i])
			if err != nil {
				if ferr := e.fail("get_multiple", p.rt, p.key, err); firstErr == nil {
					firstErr = ferr
				}
				continue
			}
			e.putLocal(p.rt.Key, v, len(vals[i]))
			out[p.key] = v
		}
	}

	var missing []string
	for _, p := range todo {
		if _, ok := out[p.key]; ok {
			e.stats.hit()
		} else {
			e.stats.miss()
			missing = append(missing, p.key)
		}
	}
	return out, missing, firstErr
}

type encoded struct {
	key string
	rt  keys.Route
	b   []byte
}

// encodeAll derives and encodes items in sorted key order. Keys that fail to
// encode are reported false in res.
func (e *engine[V]) encodeAll(op string, items map[string]V, group string, res map[string]bool) ([]encoded, error) {
	names := make([]string, 0, len(items))
	for k := range items {
		names = append(names, k)
	}
	sort.Strings(names)

	var firstErr error
	out := make([]encoded, 0, len(names))
	for _, k := range names {
		rt := e.keys.Derive(k, group)
		if !e.remote(rt) {
			out = append(out, encoded{key: k, rt: rt})
			continue
		}
		b, err := e.encode(op, rt, k, items[k])
		if err != nil {
			res[k] = false
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, encoded{key: k, rt: rt, b: b})
	}
	return out, firstErr
}

// pipeline sends batches of cmds built from enc. A failed batch marks all
// of its keys false and does not stop later batches.
func (e *engine[V]) pipeline(ctx context.Context, op string, enc []encoded, atomic bool,
	build func(encoded) backend.Cmd, done func(encoded, backend.Result), res map[string]bool) error {

	var firstErr error
	for _, chunk := range chunk(enc, batchSize) {
		rt := chunk[0].rt
		if !e.remote(rt) {
			for _, it := range chunk {
				res[it.key] = false
			}
			continue
		}
		cmds := make([]backend.Cmd, len(chunk))
		for i, it := range chunk {
			cmds[i] = build(it)
		}
		var results []backend.Result
		err := e.do(ctx, rt, func(cl backend.Client) (err error) {
			results, err = cl.Pipeline(ctx, cmds, atomic)
			return err
		})
		if err != nil {
			for _, it := range chunk {
				res[it.key] = false
			}
			e.log.Warn("batch failed", Fields{"op": op, "size": len(chunk), "err": err})
			e.hooks.BatchFailed(op, len(chunk), err)
			if ferr := e.fail(op, rt, "", err); firstErr == nil {
				firstErr = ferr
			}
			continue
		}
		for i, it := range chunk {
			var r backend.Result
			if i < len(results) {
				r = results[i]
			}
			if r.Err != nil {
				e.stats.recordError(op, it.key, r.Err)
			}
			done(it, r)
		}
	}
	return firstErr
}

func (e *engine[V]) SetMultiple(ctx context.Context, items map[string]V, group string, ttl time.Duration) (map[string]bool, error) {
	res := make(map[string]bool, len(items))
	enc, encErr := e.encodeAll("set_multiple", items, group, res)

	// local first, even if the remote batch later fails
	var remote []encoded
	for _, it := range enc {
		e.putLocal(it.rt.Key, items[it.key], len(it.b))
		if it.b == nil {
			res[it.key] = true
			continue
		}
		remote = append(remote, it)
	}

	ttl = e.ttl(ttl)
	err := e.pipeline(ctx, "set_multiple", remote, true,
		func(it encoded) backend.Cmd {
			return backend.Cmd{Op: backend.OpSet, Key: it.rt.Key, Value: it.b, TTL: ttl}
		},
		func(it encoded, r backend.Result) { res[it.key] = r.OK && r.Err == nil },
		res)
	return res, firstNonNil(encErr, err)
}

func (e *engine[V]) AddMultiple(ctx context.Context, items map[string]V, group string, ttl time.Duration) (map[string]bool, error) {
	res := make(map[string]bool, len(items))
	enc, encErr := e.encodeAll("add_multiple", items, group, res)

	var remote []encoded
	for _, it := range enc {
		if e.local.Has(it.rt.Key) {
			res[it.key] = false
			continue
		}
		if it.b == nil {
			e.putLocal(it.rt.Key, items[it.key], 0)
			res[it.key] = true
			continue
		}
		remote = append(remote, it)
	}

	ttl = e.ttl(ttl)
	err := e.pipeline(ctx, "add_multiple", remote, true,
		func(it encoded) backend.Cmd {
			return backend.Cmd{Op: backend.OpSet, Key: it.rt.Key, Value: it.b, TTL: ttl, Cond: backend.CondNX}
		},
		func(it encoded, r backend.Result) {
			ok := r.OK && r.Err == nil
			if ok {
				e.putLocal(it.rt.Key, items[it.key], len(it.b))
			}
			res[it.key] = ok
		},
		res)
	return res, firstNonNil(encErr, err)
}

func (e *engine[V]) DeleteMultiple(ctx context.Context, ks []string, group string) (map[string]bool, error) {
	res := make(map[string]bool, len(ks))
	sorted := slices.Clone(ks)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var remote []encoded
	for _, k := range sorted {
		rt := e.keys.Derive(k, group)
		e.local.Remove(rt.Key)
		if !e.remote(rt) {
			res[k] = true
			continue
		}
		remote = append(remote, encoded{key: k, rt: rt})
	}

	err := e.pipeline(ctx, "delete_multiple", remote, false,
		func(it encoded) backend.Cmd { return backend.Cmd{Op: backend.OpDel, Key: it.rt.Key} },
		func(it encoded, r backend.Result) { res[it.key] = r.N > 0 && r.Err == nil },
		res)
	return res, err
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
