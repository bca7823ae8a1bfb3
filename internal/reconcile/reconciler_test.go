package reconcile

import (
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	r := New(nil, nil, nil, nil, Config{})
	if r.interval != 5*time.Minute {
		t.Fatalf("interval = %v, want 5m", r.interval)
	}
	if r.batchSize != 50 {
		t.Fatalf("batchSize = %d, want 50", r.batchSize)
	}
	if r.advisoryKey != 7391002 {
		t.Fatalf("advisoryKey = %d, want 7391002", r.advisoryKey)
	}
}

func TestNew_UsesConfiguredInterval(t *testing.T) {
	r := New(nil, nil, nil, nil, Config{
		Interval:        90 * time.Second,
		BatchSize:       10,
		AdvisoryLockKey: 42,
	})
	if r.interval != 90*time.Second {
		t.Fatalf("interval = %v, want 90s", r.interval)
	}
	if r.batchSize != 10 {
		t.Fatalf("batchSize = %d, want 10", r.batchSize)
	}
	if r.advisoryKey != 42 {
		t.Fatalf("advisoryKey = %d, want 42", r.advisoryKey)
	}
}
