package objcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/objcache/codec"
)

// ErrorRecord is one entry of the rolling error list.
type ErrorRecord struct {
	At  time.Time
	Op  string
	Key string
	Err error
}

// FlushStats are the running totals of one group flush.
type FlushStats struct {
	Group   string
	Scanned int64
	Deleted int64
	Batches int64
	Elapsed time.Duration
}

// LocalStats describe the in-process tier.
type LocalStats struct {
	Entries      int
	Bytes        int64
	MaxEntries   int
	Evictions    uint64
	Cleanups     uint64
	Resets       uint64
	LockTimeouts uint64
}

// Meta identifies the backend in use.
type Meta struct {
	Client     string
	Version    string
	DB         int
	Databases  int
	Addr       string
	Tenant     int
	Reconnects uint64
}

type Info struct {
	Hits   uint64
	Misses uint64
	Ratio  float64 // hit percentage; 100 when nothing was looked up yet
	Calls  uint64  // backend round trips
	Time   time.Duration

	Errors []ErrorRecord // oldest first, at most the last 100

	Meta        Meta
	Healthy     bool
	Degraded    bool
	Local       LocalStats
	Compression codec.CompressionStats
	LastFlush   FlushStats
}

type stats struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	calls  atomic.Uint64
	nanos  atomic.Int64

	mu        sync.Mutex
	errs      []ErrorRecord
	lastFlush FlushStats
}

func (s *stats) hit()  { s.hits.Add(1) }
func (s *stats) miss() { s.misses.Add(1) }

func (s *stats) call(d time.Duration) {
	s.calls.Add(1)
	s.nanos.Add(int64(d))
}

func (s *stats) recordError(op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == errorListLimit {
		copy(s.errs, s.errs[1:])
		s.errs = s.errs[:errorListLimit-1]
	}
	s.errs = append(s.errs, ErrorRecord{At: time.Now(), Op: op, Key: key, Err: err})
}

func (s *stats) flushed(st FlushStats) {
	s.mu.Lock()
	s.lastFlush = st
	s.mu.Unlock()
}

func (s *stats) fill(in *Info) {
	in.Hits, in.Misses = s.hits.Load(), s.misses.Load()
	in.Calls = s.calls.Load()
	in.Time = time.Duration(s.nanos.Load())
	in.Ratio = 100
	if total := in.Hits + in.Misses; total > 0 {
		in.Ratio = float64(in.Hits) / float64(total) * 100
	}
	s.mu.Lock()
	in.Errors = append([]ErrorRecord(nil), s.errs...)
	in.LastFlush = s.lastFlush
	s.mu.Unlock()
}

func (s *stats) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.calls.Store(0)
	s.nanos.Store(0)
	s.mu.Lock()
	s.errs = nil
	s.lastFlush = FlushStats{}
	s.mu.Unlock()
}
