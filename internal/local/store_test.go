package local

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func assertConsistent(t *testing.T, s *Store) {
	t.Helper()
	if !s.lock("test") {
		t.Fatalf("lock")
	}
	defer s.unlock()
	if len(s.entries) != s.queue.len() {
		t.Fatalf("map has %d keys, queue has %d", len(s.entries), s.queue.len())
	}
	for _, k := range s.queue.snapshot() {
		if _, ok := s.entries[k]; !ok {
			t.Fatalf("queue key %q missing from map", k)
		}
	}
}

func TestEvictsOldestAtCapacity(t *testing.T) {
	s := New(Config{MaxEntries: 3, Probe: FixedProbe{}})
	for i := 1; i <= 5; i++ {
		s.Put(fmt.Sprintf("k%d", i), i, 8)
	}
	if got, want := s.Keys(), []string{"k3", "k4", "k5"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys = %v, want %v", got, want)
	}
	if _, ok := s.Get("k1"); ok {
		t.Fatalf("k1 should be evicted")
	}
	if st := s.Stats(); st.Evictions != 2 || st.Entries != 3 || st.Bytes != 24 {
		t.Fatalf("stats %+v", st)
	}
	assertConsistent(t, s)
}

func TestUpdateKeepsQueuePosition(t *testing.T) {
	s := New(Config{MaxEntries: 3, Probe: FixedProbe{}})
	s.Put("a", 1, 1)
	s.Put("b", 2, 1)
	s.Put("a", 10, 5)
	if got := s.Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Keys = %v", got)
	}
	if v, _ := s.Get("a"); v != 10 {
		t.Fatalf("a = %v", v)
	}
	s.Put("c", 3, 1)
	s.Put("d", 4, 1) // evicts a, the oldest insert
	if s.Has("a") {
		t.Fatalf("update must not refresh eviction order")
	}
	if st := s.Stats(); st.Bytes != 3 {
		t.Fatalf("bytes = %d", st.Bytes)
	}
}

func TestRemoveInteriorPreservesOrder(t *testing.T) {
	s := New(Config{Probe: FixedProbe{}})
	for _, k := range []string{"a", "b", "c", "d"} {
		s.Put(k, k, 1)
	}
	if !s.Remove("c") || !s.Remove("a") {
		t.Fatalf("Remove returned false")
	}
	if s.Remove("zz") {
		t.Fatalf("Remove of absent key returned true")
	}
	if got := s.Keys(); !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Fatalf("Keys = %v", got)
	}
	assertConsistent(t, s)
}

func TestRemoveFuncMatchesSubset(t *testing.T) {
	s := New(Config{Probe: FixedProbe{}})
	s.Put("1:posts:a", 1, 1)
	s.Put("1:users:a", 1, 1)
	s.Put("1:posts:b", 1, 1)
	n := s.RemoveFunc(func(k string) bool { return k[:8] == "1:posts:" })
	if n != 2 || s.Len() != 1 {
		t.Fatalf("removed %d, left %d", n, s.Len())
	}
	assertConsistent(t, s)
}

func TestPressureDropsTenLargest(t *testing.T) {
	s := New(Config{MaxEntries: 100, MaxBytes: 1000, Probe: FixedProbe{}})
	// 12 entries: sizes 10..120 => 780 bytes
	for i := 1; i <= 12; i++ {
		s.Put(fmt.Sprintf("k%02d", i), i, i*10)
	}
	// 780+150 = 930 > 900 => the next put triggers the largest pass first
	s.Put("big", 0, 150)
	s.Put("new", 0, 1)

	got := s.Keys()
	// big and k04..k12 are the ten largest
	want := []string{"k01", "k02", "k03", "new"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys = %v, want %v", got, want)
	}
	assertConsistent(t, s)
}

func TestPeriodicCleanupDropsStaleEntries(t *testing.T) {
	c := newClock()
	s := New(Config{Probe: FixedProbe{}, Now: c.Now})
	s.Put("old", 1, 1)
	c.Advance(30 * time.Minute)
	s.Put("mid", 1, 1)
	c.Advance(45 * time.Minute) // old is 75m, mid 45m, interval elapsed
	s.Put("fresh", 1, 1)

	if got := s.Keys(); !reflect.DeepEqual(got, []string{"mid", "fresh"}) {
		t.Fatalf("Keys = %v", got)
	}
	if st := s.Stats(); st.Cleanups != 1 {
		t.Fatalf("cleanups = %d", st.Cleanups)
	}
}

func TestRuntimePressureUsesProbe(t *testing.T) {
	s := New(Config{MaxEntries: 100, Probe: FixedProbe{Used: 95, Limit: 100}})
	for i := 0; i < 15; i++ {
		s.Put(fmt.Sprintf("k%d", i), i, i)
	}
	// every put of a new key under constant pressure drops up to ten entries
	if n := s.Len(); n > 11 {
		t.Fatalf("pressure cleanup did not run, len=%d", n)
	}
	assertConsistent(t, s)
}

func TestPanicDuringMutationResetsStore(t *testing.T) {
	var resets []string
	s := New(Config{Probe: FixedProbe{}, OnReset: func(op string, cause error) {
		resets = append(resets, op)
		if cause == nil {
			t.Errorf("reset without cause")
		}
	}})
	s.Put("a", 1, 1)
	s.Put("b", 1, 1)

	s.RemoveFunc(func(string) bool { panic("boom") })

	if s.Len() != 0 {
		t.Fatalf("store not reset, len=%d", s.Len())
	}
	if st := s.Stats(); st.Resets != 1 || st.Bytes != 0 {
		t.Fatalf("stats after reset %+v", st)
	}
	if !reflect.DeepEqual(resets, []string{"remove_func"}) {
		t.Fatalf("OnReset calls = %v", resets)
	}
	// usable again
	s.Put("c", 1, 1)
	if !s.Has("c") {
		t.Fatalf("store unusable after reset")
	}
}

func TestDivergenceIsCaught(t *testing.T) {
	s := New(Config{Probe: FixedProbe{}})
	s.Put("a", 1, 1)
	s.mutate("inject", func() error {
		s.entries["ghost"] = &entry{}
		return nil
	})
	if s.Len() != 0 || s.Stats().Resets != 1 {
		t.Fatalf("divergence not reset")
	}
	s.mutate("fail", func() error { return errors.New("x") })
	if s.Stats().Resets != 2 {
		t.Fatalf("error did not poison")
	}
}

func TestResizeTrimsOldest(t *testing.T) {
	s := New(Config{MaxEntries: 10, Probe: FixedProbe{}})
	for i := 0; i < 6; i++ {
		s.Put(fmt.Sprintf("k%d", i), i, 1)
	}
	s.Resize(2)
	if got := s.Keys(); !reflect.DeepEqual(got, []string{"k4", "k5"}) {
		t.Fatalf("Keys = %v", got)
	}
	s.Resize(0)
	if st := s.Stats(); st.MaxEntries != 1 || st.Entries != 1 {
		t.Fatalf("Resize(0) stats %+v", st)
	}
}

func TestLockTimeoutSkipsLocalTier(t *testing.T) {
	var timeouts []string
	s := New(Config{
		Probe:         FixedProbe{},
		LockTimeout:   20 * time.Millisecond,
		OnLockTimeout: func(op string) { timeouts = append(timeouts, op) },
	})
	s.Put("a", 1, 1)

	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("Get should miss while locked out")
	}
	s.Put("b", 2, 1)
	s.sem.Release(1)

	if s.Has("b") {
		t.Fatalf("Put should be dropped on lock timeout")
	}
	if !s.Has("a") {
		t.Fatalf("existing entry lost")
	}
	if got := s.Stats().LockTimeouts; got != 2 {
		t.Fatalf("LockTimeouts = %d", got)
	}
	if !reflect.DeepEqual(timeouts, []string{"get", "put"}) {
		t.Fatalf("timeouts = %v", timeouts)
	}
}

func TestConcurrentMutationsStayConsistent(t *testing.T) {
	s := New(Config{MaxEntries: 50, Probe: FixedProbe{}})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("k%d", (w*31+i)%120)
				switch i % 4 {
				case 0, 1:
					s.Put(k, i, i%17)
				case 2:
					s.Get(k)
				case 3:
					s.Remove(k)
				}
			}
		}(w)
	}
	wg.Wait()
	if s.Len() > 50 {
		t.Fatalf("bound exceeded: %d", s.Len())
	}
	assertConsistent(t, s)
}

func TestUpdateIsAtomic(t *testing.T) {
	s := New(Config{Probe: FixedProbe{}})
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Update("n", func(old any, found bool) (any, int) {
					if !found {
						return 1, 8
					}
					return old.(int) + 1, 8
				})
			}
		}()
	}
	wg.Wait()
	if v, _ := s.Get("n"); v != 3200 {
		t.Fatalf("n = %v, want 3200", v)
	}
	if st := s.Stats(); st.Entries != 1 || st.Bytes != 8 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestUpdateSkippedOnLockTimeout(t *testing.T) {
	s := New(Config{Probe: FixedProbe{}, LockTimeout: 10 * time.Millisecond})
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	called := false
	_, ok := s.Update("n", func(any, bool) (any, int) { called = true; return 1, 1 })
	s.sem.Release(1)
	if ok || called {
		t.Fatalf("Update ran without the lock: ok=%v called=%v", ok, called)
	}
	if s.Has("n") {
		t.Fatalf("value stored on lock timeout")
	}
}
