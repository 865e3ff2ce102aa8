package logger

import (
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestPipelineCounters(t *testing.T) {
	before := atomic.LoadInt64(&listingsRead)
	IncrementListingsRead(3)
	IncrementListingsRead(2)
	if got := atomic.LoadInt64(&listingsRead) - before; got != 5 {
		t.Fatalf("listings counter = %d, want 5", got)
	}

	recordWarn("normalizer")
	recordWarn("aggregator")
	if atomic.LoadInt64(&warnsIngest) < 1 || atomic.LoadInt64(&warnsCompute) < 1 {
		t.Fatalf("warn counters not routed by component")
	}
}
