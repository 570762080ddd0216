// Package zap adapts a zap logger to objcache.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/objcache"
)

var _ objcache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New wraps l under the "objcache" name. nil means a no-op logger.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("objcache")}
}

func (z Logger) Debug(msg string, f objcache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f objcache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f objcache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f objcache.Fields) { z.L.Error(msg, fields(f)...) }

// fields are emitted in key order so output is stable.
func fields(f objcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]zap.Field, 0, len(f))
	for _, k := range names {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
