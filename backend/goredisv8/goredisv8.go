// Package goredisv8 adapts github.com/go-redis/redis/v8 to backend.Client,
// for deployments pinned to the older client line.
package goredisv8

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/go-redis/redis/v8"

	"github.com/unkn0wn-root/objcache/backend"
)

const Name = "goredisv8"

type Driver struct{}

var _ backend.Driver = Driver{}

func (Driver) Name() string                  { return Name }
func (Driver) Available(backend.Params) bool { return true }

func (Driver) Dial(ctx context.Context, p backend.Params, db int) (backend.Client, error) {
	opts := &redis.Options{
		Network:      p.Network(),
		Addr:         p.Addr(),
		Username:     p.Username,
		Password:     p.Password,
		DB:           db,
		DialTimeout:  p.ConnectTimeout,
		ReadTimeout:  p.ReadTimeout,
		WriteTimeout: p.ReadTimeout,
		MaxRetries:   -1,
	}
	if p.RetryInterval > 0 {
		opts.MaxRetries = 1
		opts.MinRetryBackoff = p.RetryInterval
		opts.MaxRetryBackoff = p.RetryInterval
	}
	if p.NonPersistent {
		opts.IdleTimeout = time.Second
	}
	if name := p.PersistentID; name != "" {
		opts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
			return cn.ClientSetName(ctx, name).Err()
		}
	}
	rdb := redis.NewClient(opts)
	c := &Client{rdb: rdb}
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

type Client struct {
	rdb *redis.Client
}

var _ backend.Client = (*Client)(nil)

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re redis.Error
	return backend.Wrap(op, err, errors.As(err, &re))
}

func (c *Client) Ping(ctx context.Context) error {
	return wrap("ping", c.rdb.Ping(ctx).Err())
}

func (c *Client) Info(ctx context.Context, section string) (string, error) {
	s, err := c.rdb.Info(ctx, section).Result()
	return s, wrap("info", err)
}

// DatabaseCount parses the flat [name, value] reply of CONFIG GET.
func (c *Client) DatabaseCount(ctx context.Context) (int, error) {
	vals, err := c.rdb.ConfigGet(ctx, "databases").Result()
	if err != nil {
		return 0, wrap("config get", err)
	}
	if len(vals) < 2 {
		return 0, fmt.Errorf("config get databases: short reply %v", vals)
	}
	s, _ := vals[1].(string)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, wrap("config get", err)
	}
	return n, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, wrap("get", err)
	}
	return b, true, nil
}

func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("mget", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration, cond backend.Cond) (bool, error) {
	ttl = max(ttl, 0)
	var (
		ok  bool
		err error
	)
	switch cond {
	case backend.CondNX:
		ok, err = c.rdb.SetNX(ctx, key, value, ttl).Result()
	case backend.CondXX:
		ok, err = c.rdb.SetXX(ctx, key, value, ttl).Result()
	default:
		err = c.rdb.Set(ctx, key, value, ttl).Err()
		ok = err == nil
	}
	return ok, wrap("set", err)
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, wrap("exists", err)
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	return n, wrap("del", err)
}

func (c *Client) Unlink(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Unlink(ctx, keys...).Result()
	return n, wrap("unlink", err)
}

func (c *Client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := c.rdb.IncrBy(ctx, key, n).Result()
	return v, wrap("incrby", err)
}

func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	v, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, wrap("eval", err)
}

func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := c.rdb.Scan(ctx, cursor, match, count).Result()
	return keys, next, wrap("scan", err)
}

func (c *Client) Pipeline(ctx context.Context, cmds []backend.Cmd, atomic bool) ([]backend.Result, error) {
	recorded := make([]redis.Cmder, 0, len(cmds))
	fn := func(p redis.Pipeliner) error {
		for _, cmd := range cmds {
			ttl := max(cmd.TTL, 0)
			switch {
			case cmd.Op == backend.OpDel:
				recorded = append(recorded, p.Del(ctx, cmd.Key))
			case cmd.Cond == backend.CondNX:
				recorded = append(recorded, p.SetNX(ctx, cmd.Key, cmd.Value, ttl))
			case cmd.Cond == backend.CondXX:
				recorded = append(recorded, p.SetXX(ctx, cmd.Key, cmd.Value, ttl))
			default:
				recorded = append(recorded, p.Set(ctx, cmd.Key, cmd.Value, ttl))
			}
		}
		return nil
	}
	var err error
	if atomic {
		_, err = c.rdb.TxPipelined(ctx, fn)
	} else {
		_, err = c.rdb.Pipelined(ctx, fn)
	}
	var re redis.Error
	if err != nil && !errors.Is(err, redis.Nil) && !errors.As(err, &re) {
		return nil, wrap("pipeline", err)
	}

	out := make([]backend.Result, len(recorded))
	for i, rc := range recorded {
		err := rc.Err()
		switch {
		case errors.Is(err, redis.Nil):
			// condition not met
		case err != nil:
			out[i].Err = wrap(rc.Name(), err)
		default:
			out[i].OK = true
			switch cmd := rc.(type) {
			case *redis.BoolCmd:
				out[i].OK = cmd.Val()
			case *redis.IntCmd:
				out[i].N = cmd.Val()
			}
		}
	}
	return out, nil
}

func (c *Client) FlushDB(ctx context.Context) error {
	return wrap("flushdb", c.rdb.FlushDB(ctx).Err())
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
