package objcache

import "time"

const (
	batchSize      = 1000 // keys per bulk batch
	scanCount      = 1000 // SCAN COUNT hint
	pipelineSize   = 100  // DEL commands per pipeline on servers without UNLINK
	errorListLimit = 100

	slowFlush  = time.Second
	largeFlush = 1000
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
