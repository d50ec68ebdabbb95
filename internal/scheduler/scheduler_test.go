package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// TestScheduler_RunsSweepOnInterval verifies the registered job fires
// repeatedly once started and stops firing after Stop.
func TestScheduler_RunsSweepOnInterval(t *testing.T) {
	var calls int64

	s, err := New(10*time.Millisecond, func() { atomic.AddInt64(&calls, 1) }, zap.NewNop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.Start()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&calls) >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt64(&calls) < 3 {
		t.Fatalf("expected at least 3 sweep calls, got %d", atomic.LoadInt64(&calls))
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	afterStop := atomic.LoadInt64(&calls)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&calls) != afterStop {
		t.Fatal("expected no further sweep calls after Stop")
	}
}
