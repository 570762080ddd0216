// Package backendtest holds the conformance suite every backend.Driver runs
// against an in-process miniredis server.
package backendtest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/unkn0wn-root/objcache/backend"
)

// Server starts a miniredis instance closed at test cleanup and returns
// Params pointing at it.
func Server(t *testing.T) (*miniredis.Miniredis, backend.Params) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	p, err := backend.Params{Host: mr.Host(), Port: port}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return mr, p
}

// Run exercises d end to end.
func Run(t *testing.T, d backend.Driver) {
	t.Run("GetSet", func(t *testing.T) { testGetSet(t, d) })
	t.Run("Conditions", func(t *testing.T) { testConditions(t, d) })
	t.Run("MGet", func(t *testing.T) { testMGet(t, d) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, d) })
	t.Run("Scan", func(t *testing.T) { testScan(t, d) })
	t.Run("Pipeline", func(t *testing.T) { testPipeline(t, d) })
	t.Run("Databases", func(t *testing.T) { testDatabases(t, d) })
	t.Run("ConnectionLoss", func(t *testing.T) { testConnectionLoss(t, d) })
}

func dial(t *testing.T, d backend.Driver, p backend.Params, db int) backend.Client {
	t.Helper()
	c, err := d.Dial(context.Background(), p, db)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testGetSet(t *testing.T, d backend.Driver) {
	mr, p := Server(t)
	c := dial(t, d, p, 0)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v", ok, err)
	}
	ok, err := c.Set(ctx, "k", []byte("v\x00bin"), time.Minute, backend.CondAlways)
	if !ok || err != nil {
		t.Fatalf("Set = %v, %v", ok, err)
	}
	b, ok, err := c.Get(ctx, "k")
	if !ok || err != nil || string(b) != "v\x00bin" {
		t.Fatalf("Get = %q, %v, %v", b, ok, err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	if ex, _ := c.Exists(ctx, "k"); !ex {
		t.Fatalf("Exists = false")
	}
	if n, err := c.Del(ctx, "k", "nope"); n != 1 || err != nil {
		t.Fatalf("Del = %d, %v", n, err)
	}
	_, _ = c.Set(ctx, "u", []byte("1"), 0, backend.CondAlways)
	if n, err := c.Unlink(ctx, "u"); n != 1 || err != nil {
		t.Fatalf("Unlink = %d, %v", n, err)
	}
}

func testConditions(t *testing.T, d backend.Driver) {
	_, p := Server(t)
	c := dial(t, d, p, 0)
	ctx := context.Background()

	if ok, _ := c.Set(ctx, "k", []byte("a"), 0, backend.CondXX); ok {
		t.Fatalf("XX on absent key stored")
	}
	if ok, _ := c.Set(ctx, "k", []byte("a"), time.Minute, backend.CondNX); !ok {
		t.Fatalf("NX on absent key failed")
	}
	if ok, _ := c.Set(ctx, "k", []byte("b"), time.Minute, backend.CondNX); ok {
		t.Fatalf("NX on present key stored")
	}
	if ok, _ := c.Set(ctx, "k", []byte("c"), 0, backend.CondXX); !ok {
		t.Fatalf("XX on present key failed")
	}
	if b, _, _ := c.Get(ctx, "k"); string(b) != "c" {
		t.Fatalf("value = %q", b)
	}
}

func testMGet(t *testing.T, d backend.Driver) {
	mr, p := Server(t)
	c := dial(t, d, p, 0)
	_ = mr.Set("a", "1")
	_ = mr.Set("c", "3")

	got, err := c.MGet(context.Background(), "a", "b", "c")
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 3 || string(got[0]) != "1" || got[1] != nil || string(got[2]) != "3" {
		t.Fatalf("MGet = %q", got)
	}
}

func testCounters(t *testing.T, d backend.Driver) {
	mr, p := Server(t)
	c := dial(t, d, p, 0)
	ctx := context.Background()

	if v, err := c.IncrBy(ctx, "n", 5); v != 5 || err != nil {
		t.Fatalf("IncrBy = %d, %v", v, err)
	}
	v, err := c.Eval(ctx, "return redis.call('INCRBY', KEYS[1], ARGV[1])", []string{"n"}, -2)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if n, ok := v.(int64); !ok || n != 3 {
		t.Fatalf("Eval = %#v", v)
	}

	_ = mr.Set("s", "abc")
	_, err = c.IncrBy(ctx, "s", 1)
	if !errors.Is(err, backend.ErrCommand) {
		t.Fatalf("IncrBy on a string: want ErrCommand, got %v", err)
	}
}

func testScan(t *testing.T, d backend.Driver) {
	mr, p := Server(t)
	c := dial(t, d, p, 0)
	for _, k := range []string{"g:a", "g:b", "h:a", "g:c"} {
		_ = mr.Set(k, "x")
	}

	var got []string
	var cursor uint64
	for {
		keys, next, err := c.Scan(context.Background(), cursor, "g:*", 2)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		got = append(got, keys...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	sort.Strings(got)
	if len(got) != 3 || got[0] != "g:a" || got[2] != "g:c" {
		t.Fatalf("Scan = %v", got)
	}
}

func testPipeline(t *testing.T, d backend.Driver) {
	mr, p := Server(t)
	c := dial(t, d, p, 0)
	ctx := context.Background()
	_ = mr.Set("taken", "x")

	for _, atomic := range []bool{false, true} {
		res, err := c.Pipeline(ctx, []backend.Cmd{
			{Op: backend.OpSet, Key: "p1", Value: []byte("1"), TTL: time.Minute},
			{Op: backend.OpSet, Key: "taken", Value: []byte("y"), Cond: backend.CondNX},
			{Op: backend.OpSet, Key: "p2", Value: []byte("2"), Cond: backend.CondNX},
			{Op: backend.OpDel, Key: "p2"},
		}, atomic)
		if err != nil {
			t.Fatalf("Pipeline(atomic=%v): %v", atomic, err)
		}
		if len(res) != 4 {
			t.Fatalf("results = %+v", res)
		}
		if !res[0].OK || res[1].OK || !res[2].OK || !res[3].OK || res[3].N != 1 {
			t.Fatalf("Pipeline(atomic=%v) = %+v", atomic, res)
		}
		if v, _ := mr.Get("taken"); v != "x" {
			t.Fatalf("NX overwrote an existing key")
		}
	}
}

func testDatabases(t *testing.T, d backend.Driver) {
	mr, p := Server(t)
	c1 := dial(t, d, p, 1)
	if _, err := c1.Set(context.Background(), "k", []byte("one"), 0, backend.CondAlways); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := mr.DB(1).Get("k"); err != nil || v != "one" {
		t.Fatalf("db1 k = %q, %v", v, err)
	}
	if mr.Exists("k") {
		t.Fatalf("write leaked into db0")
	}
	if err := c1.FlushDB(context.Background()); err != nil {
		t.Fatalf("FlushDB: %v", err)
	}
	if mr.DB(1).Exists("k") {
		t.Fatalf("FlushDB left keys")
	}
}

func testConnectionLoss(t *testing.T, d backend.Driver) {
	mr, p := Server(t)
	c := dial(t, d, p, 0)
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	if !backend.IsConnection(err) {
		t.Fatalf("Get after server loss: want connection error, got %v", err)
	}
}
