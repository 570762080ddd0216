// Package backend abstracts the remote Redis-compatible store behind a small
// capability interface. One adapter per client library lives in a
// sub-package; Choose picks one at construction and nothing downstream
// branches on which one it was.
package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Cond is a write precondition.
type Cond uint8

const (
	CondAlways Cond = iota
	CondNX          // only if absent
	CondXX          // only if present
)

type Op uint8

const (
	OpSet Op = iota
	OpDel
)

// Cmd is one pipelined command.
type Cmd struct {
	Op    Op
	Key   string
	Value []byte
	TTL   time.Duration
	Cond  Cond
}

// Result is the positional reply to a Cmd.
type Result struct {
	OK  bool  // set stored / del succeeded
	N   int64 // keys removed by del
	Err error
}

// Client is what the engine needs from a connected backend. A Client is bound
// to one logical database for its whole life.
type Client interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context, section string) (string, error)
	DatabaseCount(ctx context.Context) (int, error)

	Get(ctx context.Context, key string) ([]byte, bool, error)
	// MGet returns one slot per key, nil for a miss.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, cond Cond) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Unlink(ctx context.Context, keys ...string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	// Pipeline runs cmds in one round trip, inside MULTI/EXEC when atomic.
	// A transport failure fails the whole call; reply errors land in Result.Err.
	Pipeline(ctx context.Context, cmds []Cmd, atomic bool) ([]Result, error)
	FlushDB(ctx context.Context) error

	Close() error
}

// Driver dials Clients for one client library.
type Driver interface {
	Name() string
	// Available reports whether the driver can serve p at all.
	Available(p Params) bool
	// Dial connects, authenticates and selects db, then pings.
	Dial(ctx context.Context, p Params, db int) (Client, error)
}

// Choose returns the preferred driver when it is available, otherwise the
// first available one in order.
func Choose(preferred string, drivers []Driver, p Params) (Driver, error) {
	if preferred != "" {
		for _, d := range drivers {
			if strings.EqualFold(d.Name(), preferred) && d.Available(p) {
				return d, nil
			}
		}
	}
	for _, d := range drivers {
		if d.Available(p) {
			return d, nil
		}
	}
	return nil, &Error{Kind: KindConfiguration, Op: "choose", Err: fmt.Errorf("no available driver among %d", len(drivers))}
}

const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 6379
	DefaultTimeout = time.Second
)

// Params are the connection parameters shared by all drivers.
type Params struct {
	Host           string
	Port           int
	Path           string // unix socket; wins over Host/Port
	DB             int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryInterval  time.Duration
	NonPersistent  bool   // default false (persistent)
	PersistentID   string // reported as the client name
	Username       string
	Password       string // "user,pass" is split when Username is empty
}

// Normalize fills defaults and validates.
func (p Params) Normalize() (Params, error) {
	if p.Host == "" {
		p.Host = DefaultHost
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultTimeout
	}
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = DefaultTimeout
	}
	if p.Username == "" {
		if user, pass, ok := strings.Cut(p.Password, ","); ok {
			p.Username, p.Password = user, pass
		}
	}
	switch {
	case p.Port < 0 || p.Port > 65535:
		return p, configErr("port %d out of range", p.Port)
	case p.DB < 0:
		return p, configErr("negative database %d", p.DB)
	case p.RetryInterval < 0:
		return p, configErr("negative retry interval")
	}
	return p, nil
}

func configErr(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: "params", Err: fmt.Errorf(format, args...)}
}

func (p Params) Network() string {
	if p.Path != "" {
		return "unix"
	}
	return "tcp"
}

func (p Params) Addr() string {
	if p.Path != "" {
		return p.Path
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ParseVersion extracts redis_version from an INFO server reply.
func ParseVersion(info string) string {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "redis_version:"); ok {
			return v
		}
	}
	return ""
}
