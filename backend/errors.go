package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnection    = errors.New("objcache: connection error")
	ErrUnavailable   = errors.New("objcache: backend unavailable")
	ErrCommand       = errors.New("objcache: backend command failed")
	ErrConfiguration = errors.New("objcache: invalid configuration")
)

type Kind uint8

const (
	KindConnection  Kind = iota + 1 // transport, auth or select failure
	KindUnavailable                 // server replied it cannot serve (READONLY, LOADING, ...)
	KindCommand                     // any other reply error
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindUnavailable:
		return "unavailable"
	case KindCommand:
		return "command"
	case KindConfiguration:
		return "configuration"
	}
	return "unknown"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrCommand:
		return e.Kind == KindCommand
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	}
	return false
}

var unavailablePrefixes = []string{"READONLY", "LOADING", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN"}
var authPrefixes = []string{"NOAUTH", "WRONGPASS", "NOPERM"}

// Wrap classifies err. reply tells whether the adapter recognised it as an
// error reply from the server rather than a transport failure.
func Wrap(op string, err error, reply bool) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	kind := KindConnection
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the caller gave up; the backend may be fine
		kind = KindCommand
	case reply && hasPrefix(err.Error(), authPrefixes):
		kind = KindConnection
	case reply && hasPrefix(err.Error(), unavailablePrefixes):
		kind = KindUnavailable
	case reply:
		kind = KindCommand
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func hasPrefix(msg string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

func IsConnection(err error) bool  { return errors.Is(err, ErrConnection) }
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
