package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClient struct {
	Client // unimplemented methods panic

	db     int
	closed bool
	getErr error
}

func (c *fakeClient) Info(context.Context, string) (string, error) {
	return "# Server\r\nredis_version:6.2.14\r\n", nil
}
func (c *fakeClient) DatabaseCount(context.Context) (int, error) { return 4, nil }
func (c *fakeClient) Close() error                               { c.closed = true; return nil }
func (c *fakeClient) Get(context.Context, string) ([]byte, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	return []byte("v"), true, nil
}

type fakeDriver struct {
	mu      sync.Mutex
	dials   []int
	down    bool
	clients []*fakeClient
}

func (d *fakeDriver) Name() string          { return "fake" }
func (d *fakeDriver) Available(Params) bool { return true }
func (d *fakeDriver) Dial(_ context.Context, _ Params, db int) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, db)
	if d.down {
		return nil, errors.New("connection refused")
	}
	c := &fakeClient{db: db}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDriver) setDown(v bool) {
	d.mu.Lock()
	d.down = v
	d.mu.Unlock()
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func newTestConn(t *testing.T, d *fakeDriver, db int) *Connection {
	t.Helper()
	c := NewConnection(d, Params{DB: db}, ConnOptions{Retries: 3, Delay: time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectReadsServerMetadata(t *testing.T) {
	c := newTestConn(t, &fakeDriver{}, 2)
	st := c.State()
	if !st.Healthy || st.Version != "6.2.14" || st.Databases != 4 || st.DB != 2 {
		t.Fatalf("state %+v", st)
	}
}

func TestConnectFailureLeavesUnhealthy(t *testing.T) {
	d := &fakeDriver{down: true}
	c := NewConnection(d, Params{}, ConnOptions{})
	err := c.Connect(context.Background())
	if !IsConnection(err) {
		t.Fatalf("want connection error, got %v", err)
	}
	if c.Healthy() {
		t.Fatalf("healthy after failed connect")
	}
	if err := c.Do(context.Background(), 0, func(Client) error { return nil }); !IsConnection(err) {
		t.Fatalf("Do on unhealthy connection: %v", err)
	}
}

func TestSelectDialsEachDatabaseOnce(t *testing.T) {
	d := &fakeDriver{}
	c := newTestConn(t, d, 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Select(ctx, 1); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}
	if c.Current() != 1 {
		t.Fatalf("current = %d", c.Current())
	}
	if got := d.dialCount(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}

	var seen int
	_ = c.Do(ctx, 0, func(cl Client) error { seen = cl.(*fakeClient).db; return nil })
	if seen != 0 {
		t.Fatalf("Do(0) ran on db %d", seen)
	}
}

func TestDoReconnectsAfterTransportError(t *testing.T) {
	d := &fakeDriver{}
	var retries []int
	c := NewConnection(d, Params{}, ConnOptions{
		Retries: 3,
		Delay:   time.Millisecond,
		OnRetry: func(attempt int, _ error) { retries = append(retries, attempt) },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.clients[0].getErr = errors.New("broken pipe")

	err := c.Do(context.Background(), 0, func(cl Client) error {
		_, _, err := cl.Get(context.Background(), "k")
		return Wrap("get", err, false)
	})
	// the command is not retried, but the connection recovered
	if !IsConnection(err) {
		t.Fatalf("want original connection error, got %v", err)
	}
	if !c.Healthy() {
		t.Fatalf("connection should be healthy after reconnect")
	}
	if !d.clients[0].closed {
		t.Fatalf("old client not closed")
	}
	if st := c.State(); st.Reconnects != 1 {
		t.Fatalf("reconnects = %d", st.Reconnects)
	}
	if len(retries) != 0 {
		t.Fatalf("first attempt succeeded, OnRetry calls = %v", retries)
	}
}

func TestReconnectGivesUpAfterRetries(t *testing.T) {
	d := &fakeDriver{}
	var retries []int
	c := NewConnection(d, Params{}, ConnOptions{
		Retries: 3,
		Delay:   time.Millisecond,
		OnRetry: func(attempt int, _ error) { retries = append(retries, attempt) },
	})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.setDown(true)

	fail := func(Client) error { return Wrap("get", errors.New("EOF"), false) }
	err := c.Do(ctx, 0, fail)
	if !IsConnection(err) {
		t.Fatalf("want connection error, got %v", err)
	}
	if c.Healthy() {
		t.Fatalf("should be unhealthy after exhausting retries")
	}
	// 1 initial dial + 3 reconnect attempts
	if got := d.dialCount(); got != 4 {
		t.Fatalf("dials = %d, want 4", got)
	}
	if len(retries) != 2 {
		t.Fatalf("OnRetry calls = %v", retries)
	}

	// exhausted: no new cycle from Do
	_ = c.Do(ctx, 0, fail)
	if got := d.dialCount(); got != 4 {
		t.Fatalf("Do on exhausted connection dialed again (%d)", got)
	}

	d.setDown(false)
	if err := c.Reconnect(ctx); err != nil {
		t.Fatalf("manual Reconnect: %v", err)
	}
	if !c.Healthy() {
		t.Fatalf("manual Reconnect did not restore health")
	}
}

func TestDoWaitsForRunningReconnect(t *testing.T) {
	d := &fakeDriver{}
	c := NewConnection(d, Params{}, ConnOptions{Retries: 50, Delay: 10 * time.Millisecond})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	d.setDown(true)

	errA := make(chan error, 1)
	go func() {
		errA <- c.Do(ctx, 0, func(Client) error { return Wrap("get", errors.New("EOF"), false) })
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !c.reconnecting.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("reconnect cycle never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond) // let a few attempts fail
	if !c.Healthy() {
		t.Fatalf("a failed attempt inside the cycle marked the connection unhealthy")
	}

	var ran atomic.Bool
	var used Client
	errB := make(chan error, 1)
	go func() {
		errB <- c.Do(ctx, 0, func(cl Client) error {
			ran.Store(true)
			used = cl
			return nil
		})
	}()
	time.Sleep(30 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("Do ran while the reconnect cycle was still failing")
	}

	d.setDown(false)
	if err := <-errA; !IsConnection(err) {
		t.Fatalf("A: want original connection error, got %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("B: %v", err)
	}
	d.mu.Lock()
	latest := d.clients[len(d.clients)-1]
	d.mu.Unlock()
	if used != Client(latest) {
		t.Fatalf("B ran on a stale client")
	}
	if !c.Healthy() {
		t.Fatalf("connection unhealthy after a successful cycle")
	}
}

func TestCommandErrorsDoNotReconnect(t *testing.T) {
	d := &fakeDriver{}
	c := newTestConn(t, d, 0)
	err := c.Do(context.Background(), 0, func(Client) error {
		return Wrap("incrby", errors.New("ERR value is not an integer or out of range"), true)
	})
	if !errors.Is(err, ErrCommand) {
		t.Fatalf("want ErrCommand, got %v", err)
	}
	if d.dialCount() != 1 {
		t.Fatalf("command error triggered a reconnect")
	}
}
