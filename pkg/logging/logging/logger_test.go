package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevel(t *testing.T) {
	l, err := NewLogger(Options{Env: "production", Level: "warn"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if l.Core().Enabled(zap.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !l.Core().Enabled(zap.WarnLevel) {
		t.Fatalf("warn must be enabled at warn level")
	}

	if _, err := NewLogger(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = WithFields(ctx, zap.String("run_id", "abc"))
	L(ctx).Info("hello")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "hello" {
		t.Fatalf("unexpected message %q", entry.Message)
	}
	if got := entry.ContextMap()["run_id"]; got != "abc" {
		t.Fatalf("expected run_id abc, got %v", got)
	}

	if FromContext(context.Background()) == nil {
		t.Fatalf("FromContext must fall back to a logger")
	}
}
