// Package local is the bounded in-process tier: a map of entries, a FIFO
// queue in the same key order they were inserted, and size/age tracking
// used by the memory-pressure cleanup.
//
// All access goes through one lock with a bounded wait. A caller that cannot
// get the lock within LockTimeout skips the local tier (reads miss, writes
// are dropped) instead of touching the map unlocked.
package local

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxEntries      = 1000
	DefaultMaxAge          = time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultLockTimeout     = 500 * time.Millisecond

	pressureRatio = 0.9
	largestBatch  = 10
)

var errDiverged = errors.New("local: queue and map diverged")

type state uint8

const (
	stateReady state = iota
	statePoisoned
)

type entry struct {
	value any
	at    time.Time
	size  int
}

type Config struct {
	MaxEntries      int           // 0 => 1000
	MaxBytes        int64         // > 0 uses tracked entry sizes instead of the process probe
	MaxAge          time.Duration // 0 => 1h
	CleanupInterval time.Duration // 0 => 1h
	LockTimeout     time.Duration // 0 => 500ms
	Probe           MemoryProbe   // nil => RuntimeProbe
	Now             func() time.Time

	OnReset       func(op string, cause error)
	OnLockTimeout func(op string)
}

type Stats struct {
	Entries      int
	Bytes        int64
	MaxEntries   int
	Evictions    uint64
	Cleanups     uint64
	Resets       uint64
	LockTimeouts uint64
}

type Store struct {
	sem         *semaphore.Weighted
	lockTimeout time.Duration
	maxAge      time.Duration
	interval    time.Duration
	maxBytes    int64
	probe       MemoryProbe
	now         func() time.Time
	onReset     func(string, error)
	onTimeout   func(string)

	// guarded by sem
	state       state
	maxEntries  int
	entries     map[string]*entry
	queue       *ring
	bytes       int64
	lastCleanup time.Time

	evictions    atomic.Uint64
	cleanups     atomic.Uint64
	resets       atomic.Uint64
	lockTimeouts atomic.Uint64
}

func New(cfg Config) *Store {
	s := &Store{
		sem:         semaphore.NewWeighted(1),
		lockTimeout: cfg.LockTimeout,
		maxAge:      cfg.MaxAge,
		interval:    cfg.CleanupInterval,
		maxBytes:    cfg.MaxBytes,
		probe:       cfg.Probe,
		now:         cfg.Now,
		onReset:     cfg.OnReset,
		onTimeout:   cfg.OnLockTimeout,
		maxEntries:  cfg.MaxEntries,
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxEntries
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = DefaultLockTimeout
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	if s.interval <= 0 {
		s.interval = DefaultCleanupInterval
	}
	if s.probe == nil {
		s.probe = RuntimeProbe{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.entries = make(map[string]*entry, s.maxEntries)
	s.queue = newRing(s.maxEntries + 1)
	s.lastCleanup = s.now()
	return s
}

func (s *Store) lock(op string) bool {
	if s.sem.TryAcquire(1) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.lockTimeouts.Add(1)
		if s.onTimeout != nil {
			s.onTimeout(op)
		}
		return false
	}
	return true
}

func (s *Store) unlock() { s.sem.Release(1) }

// mutate runs fn under the lock. A panic, an error or a map/queue mismatch
// poisons the store, and a poisoned store is reset before the lock is released.
// It reports false when the lock could not be taken.
func (s *Store) mutate(op string, fn func() error) bool {
	if !s.lock(op) {
		return false
	}
	defer s.unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.poisonLocked(op, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			s.poisonLocked(op, err)
			return
		}
		if len(s.entries) != s.queue.len() {
			s.poisonLocked(op, errDiverged)
		}
	}()

	if s.state == statePoisoned {
		s.resetLocked()
		s.state = stateReady
	}
	return true
}

func (s *Store) poisonLocked(op string, cause error) {
	s.state = statePoisoned
	s.resets.Add(1)
	if s.onReset != nil {
		s.onReset(op, cause)
	}
}

func (s *Store) resetLocked() {
	s.entries = make(map[string]*entry, s.maxEntries)
	s.queue.reset(s.maxEntries + 1)
	s.bytes = 0
}

func (s *Store) Get(key string) (any, bool) {
	if !s.lock("get") {
		return nil, false
	}
	defer s.unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Put stores v under key. size is the caller's estimate in bytes.
// Updating an existing key keeps its queue position.
func (s *Store) Put(key string, v any, size int) {
	s.mutate("put", func() error { return s.putLocked(key, v, size) })
}

// Update replaces the value under key with the result of fn in one critical
// section. fn sees the current value, if any, and returns the new value and
// its size. ok is false when the lock timed out or fn panicked.
func (s *Store) Update(key string, fn func(old any, found bool) (any, int)) (v any, ok bool) {
	s.mutate("update", func() error {
		var old any
		e, found := s.entries[key]
		if found {
			old = e.value
		}
		next, size := fn(old, found)
		if err := s.putLocked(key, next, size); err != nil {
			return err
		}
		v, ok = next, true
		return nil
	})
	return v, ok
}

func (s *Store) putLocked(key string, v any, size int) error {
	now := s.now()
	if e, ok := s.entries[key]; ok {
		s.bytes += int64(size - e.size)
		e.value, e.size, e.at = v, size, now
		return nil
	}
	if s.underPressureLocked() {
		s.cleanupLocked(now)
	}
	for s.queue.len() >= s.maxEntries {
		if !s.evictOldestLocked() {
			return errDiverged
		}
	}
	s.entries[key] = &entry{value: v, at: now, size: size}
	s.queue.push(key)
	s.bytes += int64(size)

	if now.Sub(s.lastCleanup) >= s.interval {
		s.cleanupLocked(now)
	}
	return nil
}

func (s *Store) evictOldestLocked() bool {
	k, ok := s.queue.pop()
	if !ok {
		return false
	}
	if e, ok := s.entries[k]; ok {
		s.bytes -= int64(e.size)
		delete(s.entries, k)
	}
	s.evictions.Add(1)
	return true
}

func (s *Store) Remove(key string) bool {
	var removed bool
	s.mutate("remove", func() error {
		e, ok := s.entries[key]
		if !ok {
			return nil
		}
		removed = true
		delete(s.entries, key)
		s.bytes -= int64(e.size)
		if head, _ := s.queue.peek(); head == key {
			s.queue.pop()
			return nil
		}
		s.queue.rebuild(s.present)
		return nil
	})
	return removed
}

// RemoveFunc drops every key for which match returns true.
func (s *Store) RemoveFunc(match func(key string) bool) int {
	n := 0
	s.mutate("remove_func", func() error {
		for k, e := range s.entries {
			if match(k) {
				s.bytes -= int64(e.size)
				delete(s.entries, k)
				n++
			}
		}
		if n > 0 {
			s.queue.rebuild(s.present)
		}
		return nil
	})
	return n
}

func (s *Store) present(k string) bool {
	_, ok := s.entries[k]
	return ok
}

func (s *Store) Clear() {
	s.mutate("clear", func() error {
		s.resetLocked()
		return nil
	})
}

// Resize changes the entry bound (min 1) and evicts the oldest entries above it.
func (s *Store) Resize(maxEntries int) {
	s.mutate("resize", func() error {
		s.maxEntries = max(1, maxEntries)
		for s.queue.len() > s.maxEntries {
			if !s.evictOldestLocked() {
				return errDiverged
			}
		}
		return nil
	})
}

// Cleanup runs the age pass and, under memory pressure, the largest-entries pass.
func (s *Store) Cleanup() int {
	n := 0
	s.mutate("cleanup", func() error {
		n = s.cleanupLocked(s.now())
		return nil
	})
	return n
}

func (s *Store) cleanupLocked(now time.Time) int {
	s.lastCleanup = now
	s.cleanups.Add(1)
	removed := 0
	for k, e := range s.entries {
		if now.Sub(e.at) > s.maxAge {
			s.bytes -= int64(e.size)
			delete(s.entries, k)
			removed++
		}
	}
	if s.underPressureLocked() {
		removed += s.dropLargestLocked(largestBatch)
	}
	if removed > 0 {
		s.queue.rebuild(s.present)
	}
	return removed
}

// dropLargestLocked leaves the queue stale; callers rebuild it.
func (s *Store) dropLargestLocked(n int) int {
	type sized struct {
		key  string
		size int
	}
	all := make([]sized, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, sized{k, e.size})
	}
	slices.SortFunc(all, func(a, b sized) int { return b.size - a.size })
	if len(all) > n {
		all = all[:n]
	}
	for _, it := range all {
		s.bytes -= int64(it.size)
		delete(s.entries, it.key)
	}
	return len(all)
}

func (s *Store) underPressureLocked() bool {
	if s.maxBytes > 0 {
		return float64(s.bytes) > pressureRatio*float64(s.maxBytes)
	}
	used, limit := s.probe.Usage()
	return limit > 0 && float64(used) > pressureRatio*float64(limit)
}

func (s *Store) Len() int {
	if !s.lock("len") {
		return 0
	}
	defer s.unlock()
	return len(s.entries)
}

// Keys returns keys oldest first.
func (s *Store) Keys() []string {
	if !s.lock("keys") {
		return nil
	}
	defer s.unlock()
	return s.queue.snapshot()
}

func (s *Store) Stats() Stats {
	st := Stats{
		Evictions:    s.evictions.Load(),
		Cleanups:     s.cleanups.Load(),
		Resets:       s.resets.Load(),
		LockTimeouts: s.lockTimeouts.Load(),
	}
	if s.lock("stats") {
		st.Entries, st.Bytes, st.MaxEntries = len(s.entries), s.bytes, s.maxEntries
		s.unlock()
	}
	return st
}
