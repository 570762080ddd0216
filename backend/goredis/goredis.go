// Package goredis adapts github.com/redis/go-redis/v9 to backend.Client.
package goredis

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/objcache/backend"
)

const Name = "goredis"

var ErrNilClient = errors.New("goredis backend: nil client")

// Driver dials go-redis clients from backend.Params. When Client is set the
// driver borrows it instead: the client's own database is served by Client
// itself and never closed, other databases get an owned copy of its options.
type Driver struct {
	Client *goredis.Client
}

var _ backend.Driver = Driver{}

func (Driver) Name() string                  { return Name }
func (Driver) Available(backend.Params) bool { return true }

func (d Driver) Dial(ctx context.Context, p backend.Params, db int) (backend.Client, error) {
	if d.Client != nil {
		return d.dialBorrowed(ctx, db)
	}
	opts := &goredis.Options{
		Network:          p.Network(),
		Addr:             p.Addr(),
		Username:         p.Username,
		Password:         p.Password,
		DB:               db,
		ClientName:       p.PersistentID,
		DialTimeout:      p.ConnectTimeout,
		ReadTimeout:      p.ReadTimeout,
		WriteTimeout:     p.ReadTimeout,
		MaxRetries:       -1,
		DisableIndentity: true,
	}
	if p.RetryInterval > 0 {
		opts.MaxRetries = 1
		opts.MinRetryBackoff = p.RetryInterval
		opts.MaxRetryBackoff = p.RetryInterval
	}
	if p.NonPersistent {
		opts.ConnMaxIdleTime = time.Second
	}
	return ping(ctx, &Client{rdb: goredis.NewClient(opts), closeClient: true})
}

func (d Driver) dialBorrowed(ctx context.Context, db int) (backend.Client, error) {
	base := d.Client.Options()
	if base.DB == db {
		c, err := New(Config{Client: d.Client})
		if err != nil {
			return nil, err
		}
		return ping(ctx, c)
	}
	opts := *base
	opts.DB = db
	return ping(ctx, &Client{rdb: goredis.NewClient(&opts), closeClient: true})
}

func ping(ctx context.Context, c *Client) (backend.Client, error) {
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Client wraps a go-redis client bound to one database.
type Client struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var _ backend.Client = (*Client)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this backend exclusively owns the client
}

// New wraps an existing client. The caller is responsible for having
// selected the intended database.
func New(cfg Config) (*Client, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Client{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re goredis.Error
	return backend.Wrap(op, err, errors.As(err, &re))
}

func (c *Client) Ping(ctx context.Context) error {
	return wrap("ping", c.rdb.Ping(ctx).Err())
}

func (c *Client) Info(ctx context.Context, section string) (string, error) {
	s, err := c.rdb.Info(ctx, section).Result()
	return s, wrap("info", err)
}

func (c *Client) DatabaseCount(ctx context.Context) (int, error) {
	m, err := c.rdb.ConfigGet(ctx, "databases").Result()
	if err != nil {
		return 0, wrap("config get", err)
	}
	n, err := strconv.Atoi(m["databases"])
	if err != nil {
		return 0, wrap("config get", err)
	}
	return n, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil // miss
	}
	if err != nil {
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
		switch s := v.(type) {
		case string:
			out[i] = []byte(s)
		case []byte:
			out[i] = s
		}
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration, cond backend.Cond) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	switch cond {
	case backend.CondNX:
		ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
		return ok, wrap("set", err)
	case backend.CondXX:
		ok, err := c.rdb.SetXX(ctx, key, value, ttl).Result()
		return ok, wrap("set", err)
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, wrap("set", err)
	}
	return true, nil
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
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return v, wrap("eval", err)
}

func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := c.rdb.Scan(ctx, cursor, match, count).Result()
	return keys, next, wrap("scan", err)
}

func (c *Client) Pipeline(ctx context.Context, cmds []backend.Cmd, atomic bool) ([]backend.Result, error) {
	recorded := make([]goredis.Cmder, 0, len(cmds))
	fn := func(p goredis.Pipeliner) error {
		for _, cmd := range cmds {
			recorded = append(recorded, queue(ctx, p, cmd))
		}
		return nil
	}
	var err error
	if atomic {
		_, err = c.rdb.TxPipelined(ctx, fn)
	} else {
		_, err = c.rdb.Pipelined(ctx, fn)
	}
	// reply errors come back as the first failed command's error; only a
	// transport failure fails the batch
	if err != nil && !isReplyOrNil(err) {
		return nil, wrap("pipeline", err)
	}
	out := make([]backend.Result, len(recorded))
	for i, rc := range recorded {
		out[i] = result(rc)
	}
	return out, nil
}

func queue(ctx context.Context, p goredis.Pipeliner, cmd backend.Cmd) goredis.Cmder {
	ttl := max(cmd.TTL, 0)
	switch cmd.Op {
	case backend.OpDel:
		return p.Del(ctx, cmd.Key)
	}
	switch cmd.Cond {
	case backend.CondNX:
		return p.SetNX(ctx, cmd.Key, cmd.Value, ttl)
	case backend.CondXX:
		return p.SetXX(ctx, cmd.Key, cmd.Value, ttl)
	}
	return p.Set(ctx, cmd.Key, cmd.Value, ttl)
}

func result(rc goredis.Cmder) backend.Result {
	err := rc.Err()
	if errors.Is(err, goredis.Nil) {
		return backend.Result{} // condition not met
	}
	if err != nil {
		return backend.Result{Err: wrap(rc.Name(), err)}
	}
	switch cmd := rc.(type) {
	case *goredis.BoolCmd:
		return backend.Result{OK: cmd.Val()}
	case *goredis.IntCmd:
		return backend.Result{OK: true, N: cmd.Val()}
	}
	return backend.Result{OK: true}
}

func isReplyOrNil(err error) bool {
	var re goredis.Error
	return errors.Is(err, goredis.Nil) || errors.As(err, &re)
}

func (c *Client) FlushDB(ctx context.Context) error {
	return wrap("flushdb", c.rdb.FlushDB(ctx).Err())
}

// Close releases the underlying client only when this backend owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (c *Client) Close() error {
	if c.closeClient {
		if err := c.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
