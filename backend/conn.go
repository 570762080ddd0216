package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectRetries = 3
	DefaultReconnectDelay   = time.Second
	DefaultDatabases        = 16
)

var errUnhealthy = &Error{Kind: KindConnection, Op: "do", Err: errors.New("connection is unhealthy")}

type ConnOptions struct {
	Retries int           // 0 => 3 attempts
	Delay   time.Duration // 0 => 1s between attempts
	// OnRetry is called after each failed reconnect attempt.
	OnRetry func(attempt int, err error)
}

// State is a snapshot of the connection for diagnostics.
type State struct {
	Driver         string
	Healthy        bool
	Version        string
	DB             int
	Databases      int
	Addr           string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Reconnects     uint64
}

// Connection owns one Client per logical database in use. Selecting a
// database is picking (and dialing once) its Client, so concurrent callers
// working on different databases never share connection state.
type Connection struct {
	driver  Driver
	params  Params
	retries int
	delay   time.Duration
	onRetry func(int, error)

	mu         sync.RWMutex
	clients    map[int]Client
	current    int
	healthy    bool
	version    string
	databases  int
	gen        uint64
	gaveUp     uint64 // gen whose reconnect cycle was exhausted
	reconnects uint64

	reconnectMu  sync.Mutex
	reconnecting atomic.Bool
}

func NewConnection(d Driver, p Params, o ConnOptions) *Connection {
	c := &Connection{
		driver:  d,
		params:  p,
		retries: o.Retries,
		delay:   o.Delay,
		onRetry: o.OnRetry,
		clients: make(map[int]Client),
		current: p.DB,
	}
	if c.retries <= 0 {
		c.retries = DefaultReconnectRetries
	}
	if c.delay <= 0 {
		c.delay = DefaultReconnectDelay
	}
	return c
}

// Connect dials the configured database and reads server metadata.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialLocked(ctx, c.params.DB); err != nil {
		c.healthy = false
		return err
	}
	return nil
}

// dialLocked replaces every client with a fresh one on db. Health is left
// alone on failure; only an exhausted reconnect cycle marks the connection down.
func (c *Connection) dialLocked(ctx context.Context, db int) error {
	for k, cl := range c.clients {
		_ = cl.Close()
		delete(c.clients, k)
	}
	cl, err := c.driver.Dial(ctx, c.params, db)
	if err != nil {
		return Wrap("connect", err, false)
	}
	c.clients[db] = cl
	c.current = db
	c.healthy = true
	c.gen++

	c.version = ""
	if info, err := cl.Info(ctx, "server"); err == nil {
		c.version = ParseVersion(info)
	}
	c.databases = DefaultDatabases
	if n, err := cl.DatabaseCount(ctx); err == nil && n > 0 {
		c.databases = n
	}
	return nil
}

func (c *Connection) client(ctx context.Context, db int) (Client, uint64, error) {
	c.mu.RLock()
	cl, ok := c.clients[db]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return cl, gen, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[db]; ok {
		return cl, c.gen, nil
	}
	if !c.healthy {
		return nil, c.gen, errUnhealthy
	}
	cl, err := c.driver.Dial(ctx, c.params, db)
	if err != nil {
		return nil, c.gen, Wrap("select", err, false)
	}
	c.clients[db] = cl
	return cl, c.gen, nil
}

// Select makes db the active database, dialing it on first use.
func (c *Connection) Select(ctx context.Context, db int) error {
	if _, _, err := c.client(ctx, db); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = db
	c.mu.Unlock()
	return nil
}

// Do runs fn against db. A connection-level failure triggers the reconnect
// policy; the failed command itself is not retried. Calls made while a
// reconnect cycle is running wait for it to finish.
func (c *Connection) Do(ctx context.Context, db int, fn func(Client) error) error {
	if c.reconnecting.Load() {
		c.reconnectMu.Lock() // held by the running cycle
		c.reconnectMu.Unlock()
	}
	if !c.Healthy() {
		return errUnhealthy
	}
	cl, gen, err := c.client(ctx, db)
	if err == nil {
		err = fn(cl)
	}
	if err == nil || !IsConnection(err) {
		return err
	}
	if rerr := c.reconnect(ctx, gen, false); rerr != nil {
		return rerr
	}
	return err
}

// Reconnect forces a fresh reconnect cycle, even after an exhausted one.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	return c.reconnect(ctx, gen, true)
}

func (c *Connection) reconnect(ctx context.Context, seen uint64, force bool) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.RLock()
	done := c.gen != seen && c.healthy
	exhausted := !force && !c.healthy && c.gaveUp == seen
	db := c.current
	c.mu.RUnlock()
	switch {
	case done:
		return nil // someone else already reconnected
	case exhausted:
		return errUnhealthy
	}
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	attempt := 0
	op := func() error {
		attempt++
		c.mu.Lock()
		defer c.mu.Unlock()
		err := c.dialLocked(ctx, db)
		if errors.Is(err, ErrConfiguration) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(c.retries-1)), ctx)
	notify := func(err error, _ time.Duration) {
		if c.onRetry != nil {
			c.onRetry(attempt, err)
		}
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		c.mu.Lock()
		c.healthy = false
		c.gaveUp = seen
		c.mu.Unlock()
		return &Error{Kind: KindConnection, Op: "reconnect",
			Err: fmt.Errorf("%d attempts: %w", attempt, err)}
	}
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
	return nil
}

func (c *Connection) MarkUnhealthy() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

func (c *Connection) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Connection) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Connection) Databases() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.databases
}

func (c *Connection) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		Driver:         c.driver.Name(),
		Healthy:        c.healthy,
		Version:        c.version,
		DB:             c.current,
		Databases:      c.databases,
		Addr:           c.params.Addr(),
		ConnectTimeout: c.params.ConnectTimeout,
		ReadTimeout:    c.params.ReadTimeout,
		Reconnects:     c.reconnects,
	}
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for k, cl := range c.clients {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.clients, k)
	}
	c.healthy = false
	return errors.Join(errs...)
}
