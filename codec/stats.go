package codec

import "sync"

// Outcome totals one compression decision category.
type Outcome struct {
	Count  int64
	Before int64 // bytes before compression
	After  int64 // bytes stored; zero for skipped
}

// CompressionStats is a point-in-time copy of the accumulator.
// Ratio is the percentage saved across compressed payloads.
type CompressionStats struct {
	Compressed Outcome
	Skipped    Outcome
	Ratio      float64
}

type statsAccumulator struct {
	mu   sync.Mutex
	comp Outcome
	skip Outcome
}

func (s *statsAccumulator) compressed(before, after int) {
	s.mu.Lock()
	s.comp.Count++
	s.comp.Before += int64(before)
	s.comp.After += int64(after)
	s.mu.Unlock()
}

func (s *statsAccumulator) skipped(before int) {
	s.mu.Lock()
	s.skip.Count++
	s.skip.Before += int64(before)
	s.mu.Unlock()
}

func (s *statsAccumulator) snapshot() CompressionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := CompressionStats{Compressed: s.comp, Skipped: s.skip}
	if b := out.Compressed.Before; b > 0 {
		out.Ratio = float64(b-out.Compressed.After) / float64(b) * 100
	}
	return out
}
