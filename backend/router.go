package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultFailureCooldown  = 5 * time.Minute
	DefaultFailureThreshold = 3
	FallbackDB              = 0
)

// Selector is the part of Connection the router drives.
type Selector interface {
	Current() int
	Select(ctx context.Context, db int) error
	Databases() int
}

type RouterOptions struct {
	Cooldown  time.Duration // 0 => 5m
	Threshold int           // 0 => 3
	Now       func() time.Time
	// OnFallback is called whenever a request for target is served by the
	// fallback database instead.
	OnFallback func(target, fallback int, cause error)
}

// FailureRecord counts consecutive select failures for one database.
type FailureRecord struct {
	Count int
	Last  time.Time
	Err   error
}

// DatabaseRouter resolves which logical database a request runs on. Databases
// that keep failing are parked for a cooldown and served by database 0.
type DatabaseRouter struct {
	sel       Selector
	cooldown  time.Duration
	threshold int
	now       func() time.Time
	onFall    func(int, int, error)

	mu       sync.Mutex
	failures map[int]*FailureRecord
	fellBack bool
}

func NewDatabaseRouter(sel Selector, o RouterOptions) *DatabaseRouter {
	r := &DatabaseRouter{
		sel:       sel,
		cooldown:  o.Cooldown,
		threshold: o.Threshold,
		now:       o.Now,
		onFall:    o.OnFallback,
		failures:  make(map[int]*FailureRecord),
	}
	if r.cooldown <= 0 {
		r.cooldown = DefaultFailureCooldown
	}
	if r.threshold <= 0 {
		r.threshold = DefaultFailureThreshold
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Ensure makes target usable and returns the database the request should run
// on: target itself, or the fallback when target is out of range or parked.
// The error is non-nil only when not even the fallback could be selected.
func (r *DatabaseRouter) Ensure(ctx context.Context, target int) (int, error) {
	if r.sel.Current() == target {
		return target, nil
	}

	r.mu.Lock()
	if rec, ok := r.failures[target]; ok {
		if r.now().Sub(rec.Last) < r.cooldown {
			if rec.Count >= r.threshold {
				cause := rec.Err
				r.mu.Unlock()
				return r.fallback(ctx, target, cause)
			}
		} else {
			delete(r.failures, target)
		}
	}
	r.mu.Unlock()

	if n := r.sel.Databases(); target < 0 || (n > 0 && target >= n) {
		err := &Error{Kind: KindConfiguration, Op: "select",
			Err: fmt.Errorf("database %d out of range [0,%d)", target, n)}
		r.record(target, err)
		return r.fallback(ctx, target, err)
	}

	if err := r.sel.Select(ctx, target); err != nil {
		r.record(target, err)
		return r.fallback(ctx, target, err)
	}

	r.mu.Lock()
	delete(r.failures, target)
	r.mu.Unlock()
	return target, nil
}

func (r *DatabaseRouter) record(db int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.failures[db]
	if !ok {
		rec = &FailureRecord{}
		r.failures[db] = rec
	}
	rec.Count++
	rec.Last = r.now()
	rec.Err = err
}

func (r *DatabaseRouter) fallback(ctx context.Context, target int, cause error) (int, error) {
	r.mu.Lock()
	done := r.fellBack
	r.mu.Unlock()

	if !done || r.sel.Current() != FallbackDB {
		if err := r.sel.Select(ctx, FallbackDB); err != nil {
			return r.sel.Current(), err
		}
		r.mu.Lock()
		r.fellBack = true
		r.mu.Unlock()
	}
	if r.onFall != nil {
		r.onFall(target, FallbackDB, cause)
	}
	return FallbackDB, nil
}

// ResetFailures forgets every failure record and the fallback state.
func (r *DatabaseRouter) ResetFailures() {
	r.mu.Lock()
	clear(r.failures)
	r.fellBack = false
	r.mu.Unlock()
}

// Failures returns a copy of the current failure records.
func (r *DatabaseRouter) Failures() map[int]FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]FailureRecord, len(r.failures))
	for db, rec := range r.failures {
		out[db] = *rec
	}
	return out
}
