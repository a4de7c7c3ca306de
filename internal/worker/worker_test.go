package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedJobs(t *testing.T) {
	p := New(2, 8)
	defer p.Shutdown()

	var count int32
	for i := 0; i < 5; i++ {
		p.Submit(func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		})
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&count) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&count); got != 5 {
		t.Fatalf("expected 5 jobs to run, got %d", got)
	}
}

func TestPool_ShutdownStopsWorkers(t *testing.T) {
	p := New(1, 4)
	p.Shutdown()

	var ran int32
	p.Submit(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	})
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("expected no job to run after shutdown")
	}
}
