package objcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// The local tier hit an internal fault and reset itself.
	LocalReset(op string, cause error)

	// A caller gave up waiting for the local-tier lock; op skipped the local tier.
	LocalLockTimeout(op string)

	// The backend is no longer used; global groups now bypass it.
	Degraded(cause error)

	// The backend is reachable again after a reconnect.
	Reconnected()

	// A request for target was served by fallback instead.
	DatabaseFallback(target, fallback int, cause error)

	// A pipelined batch failed as a whole; size keys were reported false.
	BatchFailed(op string, size int, err error)

	// A group flush deleted many keys or took long.
	GroupFlushed(group string, st FlushStats)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) LocalReset(string, error)         {}
func (NopHooks) LocalLockTimeout(string)          {}
func (NopHooks) Degraded(error)                   {}
func (NopHooks) Reconnected()                     {}
func (NopHooks) DatabaseFallback(int, int, error) {}
func (NopHooks) BatchFailed(string, int, error)   {}
func (NopHooks) GroupFlushed(string, FlushStats)  {}
