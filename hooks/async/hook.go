// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    LockTimeoutEvery: 100, // ~every 100th lock timeout
//	    BatchFailedEvery: 1,   // every failed batch
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := objcache.New[User](ctx, objcache.Options[User]{
//	    Backend: backend.Params{Host: "127.0.0.1", Port: 6379},
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/objcache"
)

// Hooks forwards events to inner on a bounded queue. Events that do not fit
// are dropped and counted.
type Hooks struct {
	inner   objcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ objcache.Hooks = (*Hooks)(nil)

func New(inner objcache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = objcache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) LocalReset(op string, cause error) { h.try(func() { h.inner.LocalReset(op, cause) }) }
func (h *Hooks) LocalLockTimeout(op string)        { h.try(func() { h.inner.LocalLockTimeout(op) }) }
func (h *Hooks) Degraded(cause error)              { h.try(func() { h.inner.Degraded(cause) }) }
func (h *Hooks) Reconnected()                      { h.try(h.inner.Reconnected) }
func (h *Hooks) DatabaseFallback(target, fallback int, cause error) {
	h.try(func() { h.inner.DatabaseFallback(target, fallback, cause) })
}
func (h *Hooks) BatchFailed(op string, size int, err error) {
	h.try(func() { h.inner.BatchFailed(op, size, err) })
}
func (h *Hooks) GroupFlushed(group string, st objcache.FlushStats) {
	h.try(func() { h.inner.GroupFlushed(group, st) })
}
