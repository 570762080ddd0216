package local

import (
	"math"
	"runtime/debug"
	"runtime/metrics"
)

// MemoryProbe reports process memory use against a limit. limit 0 means none.
type MemoryProbe interface {
	Usage() (used, limit uint64)
}

// RuntimeProbe compares runtime-mapped memory with the soft limit
// (GOMEMLIMIT / debug.SetMemoryLimit). Without a limit it never reports pressure.
type RuntimeProbe struct{}

func (RuntimeProbe) Usage() (uint64, uint64) {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0, 0
	}
	samples := []metrics.Sample{
		{Name: "/memory/classes/total:bytes"},
		{Name: "/memory/classes/heap/released:bytes"},
	}
	metrics.Read(samples)
	var total, released uint64
	if samples[0].Value.Kind() == metrics.KindUint64 {
		total = samples[0].Value.Uint64()
	}
	if samples[1].Value.Kind() == metrics.KindUint64 {
		released = samples[1].Value.Uint64()
	}
	if released > total {
		released = total
	}
	return total - released, uint64(limit)
}

// FixedProbe is a static probe, handy for tests and for callers that measure
// memory themselves.
type FixedProbe struct{ Used, Limit uint64 }

func (p FixedProbe) Usage() (uint64, uint64) { return p.Used, p.Limit }
