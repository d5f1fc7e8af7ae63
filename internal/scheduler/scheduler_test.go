package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/execution-core/internal/metrics"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func TestRegisterRunsJobOnSchedule(t *testing.T) {
	s := New(nil, metrics.NewWithRegistry(newTestRegistry()))

	var mu sync.Mutex
	runs := 0
	done := make(chan struct{})

	err := s.Register(Job{
		Name: "test-job",
		Spec: "@every 1s",
		Run: func(ctx context.Context) error {
			mu.Lock()
			runs++
			n := runs
			mu.Unlock()
			if n == 1 {
				close(done)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Start()
	defer func() { <-s.Stop().Done() }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran within 3s of a 1s schedule")
	}
}

func TestRegisterReplacesExistingEntryByName(t *testing.T) {
	s := New(nil, nil)

	if err := s.Register(Job{Name: "job", Spec: "@every 1h", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Register (first): %v", err)
	}
	firstID := s.entries["job"]

	if err := s.Register(Job{Name: "job", Spec: "@every 2h", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Register (second): %v", err)
	}
	secondID := s.entries["job"]

	if firstID == secondID {
		t.Fatal("expected re-registering the same job name to produce a new cron entry id")
	}
	if len(s.cron.Entries()) != 1 {
		t.Fatalf("cron entries = %d, want 1 (old entry should be removed)", len(s.cron.Entries()))
	}
}
