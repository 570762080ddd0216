package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/objcache"
)

func TestFieldsAreOrdered(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Error("batch failed", objcache.Fields{"size": 3, "err": errors.New("EOF"), "op": "set_multiple"})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "objcache" || e.Message != "batch failed" {
		t.Fatalf("entry %+v", e.Entry)
	}
	var keys []string
	for _, f := range e.Context {
		keys = append(keys, f.Key)
	}
	if len(keys) != 3 || keys[0] != "err" || keys[1] != "op" || keys[2] != "size" {
		t.Fatalf("field order %v", keys)
	}
	if e.ContextMap()["err"] != "EOF" {
		t.Fatalf("err field %v", e.ContextMap()["err"])
	}
}

func TestNilLoggerIsNop(t *testing.T) {
	New(nil).Info("ignored", nil)
}
