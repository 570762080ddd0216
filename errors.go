package objcache

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/objcache/backend"
	"github.com/unkn0wn-root/objcache/codec"
)

var (
	ErrConnection     = backend.ErrConnection
	ErrBackendCommand = backend.ErrCommand
	ErrUnavailable    = backend.ErrUnavailable
	ErrConfiguration  = backend.ErrConfiguration

	ErrSerialization   = codec.ErrSerialization
	ErrDeserialization = codec.ErrDeserialization
	ErrDecompression   = codec.ErrDecompression

	// ErrDegraded wraps the failure that made the engine stop using the backend.
	ErrDegraded = errors.New("objcache: backend degraded")
)

// OpError is a caller-visible failure of one operation.
type OpError struct {
	Op    string
	Key   string // empty for group or store wide operations
	Group string
	Err   error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("objcache %s (group %q): %v", e.Op, e.Group, e.Err)
	}
	return fmt.Sprintf("objcache %s %q (group %q): %v", e.Op, e.Key, e.Group, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
