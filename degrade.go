package objcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/objcache/backend"
	"github.com/unkn0wn-root/objcache/internal/keys"
)

// fail records err and decides what the caller sees. Any backend error
// degrades the engine, except a connection failure the reconnect policy
// recovered from and a caller's own cancellation. Codec errors only fail the
// operation at hand.
func (e *engine[V]) fail(op string, rt keys.Route, key string, err error) error {
	e.stats.recordError(op, key, err)

	var be *backend.Error
	switch {
	case !errors.As(err, &be), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.log.Debug("operation failed", Fields{"op": op, "group": rt.Group, "err": err})
	case backend.IsConnection(err) && e.conn.Healthy():
		// the reconnect policy brought the backend back; this op is still lost
		if e.noteReconnect() {
			e.log.Info("backend reconnected", Fields{"op": op})
			e.hooks.Reconnected()
		}
	default:
		e.degrade(err)
		err = fmt.Errorf("%w: %w", ErrDegraded, err)
	}

	if e.graceful {
		return nil
	}
	return &OpError{Op: op, Key: key, Group: rt.Group, Err: err}
}

// noteReconnect reports whether the connection reconnected since last asked.
func (e *engine[V]) noteReconnect() bool {
	n := e.conn.State().Reconnects
	return n > e.reconnects.Swap(n)
}

// degrade stops all backend traffic until a successful Reconnect. Global
// groups read as ignored meanwhile.
func (e *engine[V]) degrade(cause error) {
	if !e.degraded.CompareAndSwap(false, true) {
		return
	}
	e.conn.MarkUnhealthy()
	e.keys.SetDegraded(true)
	e.log.Error("backend degraded, serving local tier only", Fields{"err": cause, "graceful": e.graceful})
	e.hooks.Degraded(cause)
}

// Reconnect runs a fresh reconnect cycle and, on success, leaves degraded mode.
func (e *engine[V]) Reconnect(ctx context.Context) error {
	if err := e.conn.Reconnect(ctx); err != nil {
		e.stats.recordError("reconnect", "", err)
		return err
	}
	e.dbs.ResetFailures()
	e.noteReconnect()
	if e.degraded.CompareAndSwap(true, false) {
		e.keys.SetDegraded(false)
	}
	st := e.conn.State()
	e.log.Info("backend reconnected", Fields{"client": st.Driver, "version": st.Version, "db": st.DB})
	e.hooks.Reconnected()
	return nil
}
