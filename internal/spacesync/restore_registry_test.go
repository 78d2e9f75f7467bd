package spacesync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRestoreRegistryDeduplicatesConcurrentCalls(t *testing.T) {
	registry := NewRestoreRegistry()
	var executions atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Space, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sp, err := registry.Do("c1", func() (Space, error) {
				executions.Add(1)
				<-gate
				return Space{ID: "c1", WindowID: "w-9"}, nil
			})
			if err != nil {
				t.Errorf("restore %d: %v", i, err)
			}
			results[i] = sp
		}(i)
	}

	// Let every caller attach before the in-flight restore resolves.
	for !registry.InFlight("c1") {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Fatalf("restore executed %d times, want 1", got)
	}
	for i, sp := range results {
		if sp.WindowID != "w-9" {
			t.Fatalf("caller %d got %+v, want the shared outcome", i, sp)
		}
	}
	if registry.InFlight("c1") {
		t.Fatal("id still marked in flight after completion")
	}
}

func TestRestoreRegistryRunsAgainAfterCompletion(t *testing.T) {
	registry := NewRestoreRegistry()
	var executions atomic.Int32
	run := func() (Space, error) {
		executions.Add(1)
		return Space{ID: "c1"}, nil
	}
	if _, err := registry.Do("c1", run); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := registry.Do("c1", run); err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := executions.Load(); got != 2 {
		t.Fatalf("sequential restores executed %d times, want 2", got)
	}
}
