package asynchook

import (
	"errors"
	"sync"
	"testing"

	"github.com/unkn0wn-root/objcache"
)

type recorder struct {
	objcache.NopHooks
	mu     sync.Mutex
	events []string
	block  chan struct{}
}

func (r *recorder) add(ev string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Degraded(error)                               { r.add("degraded") }
func (r *recorder) Reconnected()                                 { r.add("reconnected") }
func (r *recorder) BatchFailed(op string, _ int, _ error)        { r.add("batch:" + op) }
func (r *recorder) GroupFlushed(g string, _ objcache.FlushStats) { r.add("flushed:" + g) }

func TestEventsDeliveredBeforeClose(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 1, 16)

	h.Degraded(errors.New("down"))
	h.BatchFailed("set_multiple", 10, errors.New("EOF"))
	h.GroupFlushed("posts", objcache.FlushStats{Deleted: 2000})
	h.Reconnected()
	h.Close()

	want := []string{"degraded", "batch:set_multiple", "flushed:posts", "reconnected"}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v", rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", rec.events, want)
		}
	}
	if h.Dropped() != 0 {
		t.Fatalf("dropped = %d", h.Dropped())
	}
}

func TestFullQueueDrops(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)

	// one event held by the worker, one in the queue, the rest dropped
	for i := 0; i < 10; i++ {
		h.Reconnected()
	}
	if h.Dropped() < 8 {
		t.Fatalf("dropped = %d, want >= 8", h.Dropped())
	}
	close(rec.block)
	h.Close()

	h.Reconnected()
	if h.Dropped() < 9 {
		t.Fatalf("event after Close was not dropped")
	}
}
