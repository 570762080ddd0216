package objcache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/unkn0wn-root/objcache/backend"
)

// decrScript decrements without going below zero. A negative result is
// pushed back up with INCRBY so the key keeps its TTL.
const decrScript = `
local v = redis.call('DECRBY', KEYS[1], ARGV[1])
if v < 0 then
  redis.call('INCRBY', KEYS[1], -v)
  return 0
end
return v
`

func (e *engine[V]) Increment(ctx context.Context, key string, n int64, group string) (int64, error) {
	return e.adjust(ctx, "increment", key, n, group)
}

func (e *engine[V]) Decrement(ctx context.Context, key string, n int64, group string) (int64, error) {
	return e.adjust(ctx, "decrement", key, -n, group)
}

func (e *engine[V]) adjust(ctx context.Context, op, key string, delta int64, group string) (int64, error) {
	rt := e.keys.Derive(key, group)
	if !e.remote(rt) {
		var next int64
		if _, ok := e.local.Update(rt.Key, func(old any, found bool) (any, int) {
			if found {
				next = toInt64(old)
			}
			next += delta
			if delta < 0 {
				next = max(next, 0)
			}
			return counterValue[V](next), 8
		}); !ok {
			return 0, nil
		}
		return next, nil
	}

	var next int64
	err := e.do(ctx, rt, func(cl backend.Client) error {
		if delta >= 0 {
			v, err := cl.IncrBy(ctx, rt.Key, delta)
			next = v
			return err
		}
		res, err := cl.Eval(ctx, decrScript, []string{rt.Key}, -delta)
		if err != nil {
			return err
		}
		next, err = replyInt64(res)
		return err
	})
	if err != nil {
		return 0, e.fail(op, rt, key, err)
	}
	e.local.Put(rt.Key, counterValue[V](next), 8)
	return next, nil
}

// counterValue converts n to V when V is numeric or any, so later local
// reads hit. Otherwise the raw int64 is kept and reads of V fall through to
// the backend.
func counterValue[V any](n int64) any {
	if v, ok := any(n).(V); ok {
		return v
	}
	var v V
	switch p := any(&v).(type) {
	case *int:
		*p = int(n)
	case *int32:
		*p = int32(n)
	case *uint64:
		*p = uint64(max(n, 0))
	case *float64:
		*p = float64(n)
	case *string:
		*p = strconv.FormatInt(n, 10)
	case *json.Number:
		*p = json.Number(strconv.FormatInt(n, 10))
	default:
		return n
	}
	return v
}

// toInt64 reads a locally cached value as a counter; non-numeric values count as 0.
func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint64:
		if x > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(x)
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case json.Number:
		n, _ := x.Int64()
		return n
	}
	return 0
}

func replyInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, &backend.Error{Kind: backend.KindCommand, Op: "eval", Err: fmt.Errorf("unexpected reply %T", v)}
}
