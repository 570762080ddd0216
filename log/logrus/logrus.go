// Package logrus adapts a logrus entry to objcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/objcache"
)

var _ objcache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New wraps l, tagging every line with component=objcache. nil means the
// logrus standard logger.
func New(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return Logger{E: l.WithField("component", "objcache")}
}

func (l Logger) Debug(msg string, f objcache.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f objcache.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f objcache.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f objcache.Fields) { l.with(f).Error(msg) }

// with maps an "err" field onto logrus' error key.
func (l Logger) with(f objcache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			lf[logrus.ErrorKey] = err
			continue
		}
		lf[k] = v
	}
	return l.E.WithFields(lf)
}
