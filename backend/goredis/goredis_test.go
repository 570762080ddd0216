package goredis

import (
	"context"
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/objcache/backend"
	"github.com/unkn0wn-root/objcache/backend/backendtest"
)

func TestDriver(t *testing.T) {
	backendtest.Run(t, Driver{})
}

func TestBorrowingDriver(t *testing.T) {
	mr, p := backendtest.Server(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: p.Addr(), DB: 2})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	d := Driver{Client: rdb}

	own, err := d.Dial(ctx, backend.Params{}, 2)
	if err != nil {
		t.Fatalf("Dial(2): %v", err)
	}
	other, err := d.Dial(ctx, backend.Params{}, 5)
	if err != nil {
		t.Fatalf("Dial(5): %v", err)
	}
	if _, err := other.Set(ctx, "k", []byte("v"), 0, backend.CondAlways); err != nil {
		t.Fatalf("Set on db 5: %v", err)
	}
	if !mr.DB(5).Exists("k") || mr.DB(2).Exists("k") {
		t.Fatalf("owned copy wrote to the wrong database")
	}

	_ = own.Close()
	_ = other.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("borrowed client closed by the driver: %v", err)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNilClient) {
		t.Fatalf("want ErrNilClient, got %v", err)
	}
}

func TestBorrowedClientIsNotClosed(t *testing.T) {
	mr, p := backendtest.Server(t)
	_ = mr.Set("k", "v")
	rdb := goredis.NewClient(&goredis.Options{Addr: p.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c, err := New(Config{Client: rdb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v, err := rdb.Get(context.Background(), "k").Result(); err != nil || v != "v" {
		t.Fatalf("borrowed client unusable after Close: %q, %v", v, err)
	}
}
