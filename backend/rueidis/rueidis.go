// Package rueidis adapts github.com/redis/rueidis to backend.Client. It is
// the portable fallback: TCP only, client-side caching disabled.
package rueidis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/unkn0wn-root/objcache/backend"
)

const Name = "rueidis"

type Driver struct{}

var _ backend.Driver = Driver{}

func (Driver) Name() string { return Name }

// Available is false for unix sockets so selection moves on to a native driver.
func (Driver) Available(p backend.Params) bool { return p.Path == "" }

func (Driver) Dial(ctx context.Context, p backend.Params, db int) (backend.Client, error) {
	opt := rueidis.ClientOption{
		InitAddress:      []string{p.Addr()},
		Username:         p.Username,
		Password:         p.Password,
		SelectDB:         db,
		ClientName:       p.PersistentID,
		Dialer:           net.Dialer{Timeout: p.ConnectTimeout},
		ConnWriteTimeout: p.ReadTimeout,
		DisableCache:     true,
		DisableRetry:     p.RetryInterval <= 0,
	}
	rc, err := rueidis.NewClient(opt)
	if err != nil {
		return nil, backend.Wrap("connect", err, isReply(err))
	}
	c := &Client{rc: rc}
	if err := c.Ping(ctx); err != nil {
		rc.Close()
		return nil, err
	}
	return c, nil
}

type Client struct {
	rc rueidis.Client
}

var _ backend.Client = (*Client)(nil)

func isReply(err error) bool {
	_, ok := rueidis.IsRedisErr(err)
	return ok
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return backend.Wrap(op, err, isReply(err))
}

func (c *Client) Ping(ctx context.Context) error {
	return wrap("ping", c.rc.Do(ctx, c.rc.B().Ping().Build()).Error())
}

func (c *Client) Info(ctx context.Context, section string) (string, error) {
	s, err := c.rc.Do(ctx, c.rc.B().Info().Section(section).Build()).ToString()
	return s, wrap("info", err)
}

func (c *Client) DatabaseCount(ctx context.Context) (int, error) {
	m, err := c.rc.Do(ctx, c.rc.B().ConfigGet().Parameter("databases").Build()).AsStrMap()
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
	b, err := c.rc.Do(ctx, c.rc.B().Get().Key(key).Build()).AsBytes()
	switch {
	case rueidis.IsRedisNil(err):
		return nil, false, nil
	case err != nil:
		return nil, false, wrap("get", err)
	}
	return b, true, nil
}

func (c *Client) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	msgs, err := c.rc.Do(ctx, c.rc.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, wrap("mget", err)
	}
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		if m.IsNil() {
			continue
		}
		if b, err := m.AsBytes(); err == nil {
			out[i] = b
		}
	}
	return out, nil
}

func setCmd(b rueidis.Builder, key string, value []byte, ttl time.Duration, cond backend.Cond) rueidis.Completed {
	s := b.Set().Key(key).Value(rueidis.BinaryString(value))
	ms := ttl.Milliseconds()
	switch cond {
	case backend.CondNX:
		if ms > 0 {
			return s.Nx().PxMilliseconds(ms).Build()
		}
		return s.Nx().Build()
	case backend.CondXX:
		if ms > 0 {
			return s.Xx().PxMilliseconds(ms).Build()
		}
		return s.Xx().Build()
	}
	if ms > 0 {
		return s.PxMilliseconds(ms).Build()
	}
	return s.Build()
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration, cond backend.Cond) (bool, error) {
	err := c.rc.Do(ctx, setCmd(c.rc.B(), key, value, ttl, cond)).Error()
	switch {
	case rueidis.IsRedisNil(err):
		return false, nil // NX/XX not met
	case err != nil:
		return false, wrap("set", err)
	}
	return true, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rc.Do(ctx, c.rc.B().Exists().Key(key).Build()).AsInt64()
	return n > 0, wrap("exists", err)
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rc.Do(ctx, c.rc.B().Del().Key(keys...).Build()).AsInt64()
	return n, wrap("del", err)
}

func (c *Client) Unlink(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rc.Do(ctx, c.rc.B().Unlink().Key(keys...).Build()).AsInt64()
	return n, wrap("unlink", err)
}

func (c *Client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := c.rc.Do(ctx, c.rc.B().Incrby().Key(key).Increment(n).Build()).AsInt64()
	return v, wrap("incrby", err)
}

func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	sargs := make([]string, len(args))
	for i, a := range args {
		sargs[i] = fmt.Sprint(a)
	}
	cmd := c.rc.B().Eval().Script(script).Numkeys(int64(len(keys))).Key(keys...).Arg(sargs...).Build()
	v, err := c.rc.Do(ctx, cmd).ToAny()
	if rueidis.IsRedisNil(err) {
		return nil, nil
	}
	return v, wrap("eval", err)
}

func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	e, err := c.rc.Do(ctx, c.rc.B().Scan().Cursor(cursor).Match(match).Count(count).Build()).AsScanEntry()
	if err != nil {
		return nil, 0, wrap("scan", err)
	}
	return e.Elements, e.Cursor, nil
}

func buildCmds(b rueidis.Builder, cmds []backend.Cmd) []rueidis.Completed {
	out := make([]rueidis.Completed, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.Op == backend.OpDel {
			out = append(out, b.Del().Key(cmd.Key).Build())
			continue
		}
		out = append(out, setCmd(b, cmd.Key, cmd.Value, cmd.TTL, cmd.Cond))
	}
	return out
}

func messageResult(m rueidis.RedisMessage) backend.Result {
	if m.IsNil() {
		return backend.Result{}
	}
	if err := m.Error(); err != nil {
		return backend.Result{Err: wrap("pipeline", err)}
	}
	if n, err := m.AsInt64(); err == nil {
		return backend.Result{OK: true, N: n}
	}
	return backend.Result{OK: true}
}

func (c *Client) Pipeline(ctx context.Context, cmds []backend.Cmd, atomic bool) ([]backend.Result, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	if !atomic {
		resps := c.rc.DoMulti(ctx, buildCmds(c.rc.B(), cmds)...)
		out := make([]backend.Result, len(resps))
		for i, r := range resps {
			err := r.Error()
			switch {
			case err == nil:
				m, _ := r.ToMessage()
				out[i] = messageResult(m)
			case rueidis.IsRedisNil(err):
			case isReply(err):
				out[i].Err = wrap("pipeline", err)
			default:
				return nil, wrap("pipeline", err)
			}
		}
		return out, nil
	}

	var out []backend.Result
	err := c.rc.Dedicated(func(d rueidis.DedicatedClient) error {
		b := d.B()
		batch := make([]rueidis.Completed, 0, len(cmds)+2)
		batch = append(batch, b.Multi().Build())
		batch = append(batch, buildCmds(b, cmds)...)
		batch = append(batch, b.Exec().Build())
		resps := d.DoMulti(ctx, batch...)
		exec, err := resps[len(resps)-1].ToArray()
		if err != nil {
			return err
		}
		if len(exec) != len(cmds) {
			return fmt.Errorf("exec returned %d replies for %d commands", len(exec), len(cmds))
		}
		out = make([]backend.Result, len(exec))
		for i, m := range exec {
			out[i] = messageResult(m)
		}
		return nil
	})
	if err != nil {
		if rueidis.IsRedisNil(err) {
			err = errors.New("transaction aborted")
		}
		return nil, wrap("pipeline", err)
	}
	return out, nil
}

func (c *Client) FlushDB(ctx context.Context) error {
	return wrap("flushdb", c.rc.Do(ctx, c.rc.B().Flushdb().Build()).Error())
}

func (c *Client) Close() error {
	c.rc.Close()
	return nil
}
