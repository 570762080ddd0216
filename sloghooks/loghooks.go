package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/objcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	LockTimeoutEvery uint64
	BatchFailedEvery uint64
	// Optional group redactor for group names that carry user data.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	lockTimeoutCtr atomic.Uint64
	batchFailedCtr atomic.Uint64
}

var _ objcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(group string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(group)
	}
	return group
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) LocalReset(op string, cause error) {
	if h.l == nil {
		return
	}
	h.l.Warn("objcache.local_reset",
		"op", op,
		"err", cause)
}

func (h *Hooks) LocalLockTimeout(op string) {
	if h.l == nil || !sample(h.opts.LockTimeoutEvery, &h.lockTimeoutCtr) {
		return
	}
	h.l.Debug("objcache.local_lock_timeout", "op", op)
}

func (h *Hooks) Degraded(cause error) {
	if h.l == nil {
		return
	}
	h.l.Error("objcache.degraded", "err", cause)
}

func (h *Hooks) Reconnected() {
	if h.l == nil {
		return
	}
	h.l.Info("objcache.reconnected")
}

func (h *Hooks) DatabaseFallback(target, fallback int, cause error) {
	if h.l == nil {
		return
	}
	h.l.Warn("objcache.database_fallback",
		"target", target,
		"fallback", fallback,
		"err", cause)
}

func (h *Hooks) BatchFailed(op string, size int, err error) {
	if h.l == nil || !sample(h.opts.BatchFailedEvery, &h.batchFailedCtr) {
		return
	}
	h.l.Warn("objcache.batch_failed",
		"op", op,
		"size", size,
		"err", err)
}

func (h *Hooks) GroupFlushed(group string, st objcache.FlushStats) {
	if h.l == nil {
		return
	}
	h.l.Info("objcache.group_flushed",
		"group", h.redact(group),
		"scanned", st.Scanned,
		"deleted", st.Deleted,
		"batches", st.Batches,
		"elapsed", st.Elapsed)
}
