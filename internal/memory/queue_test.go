package memory

import (
	"errors"
	"sync"
	"testing"
)

func TestSerialQueueOrdering(t *testing.T) {
	q := NewSerialQueue()
	defer q.Close()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do("order", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if len(order) != 20 {
		t.Fatalf("Expected 20 tasks to run, got %d", len(order))
	}
}

func TestSerialQueueFailureDoesNotPoison(t *testing.T) {
	q := NewSerialQueue()
	defer q.Close()

	wantErr := errors.New("boom")
	if err := q.Do("failing", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Expected task error to surface, got %v", err)
	}

	ran := false
	if err := q.Do("after", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Task after failure should succeed, got %v", err)
	}
	if !ran {
		t.Error("Task after failure did not run")
	}
}

func TestSerialQueuePanicRecovery(t *testing.T) {
	q := NewSerialQueue()
	defer q.Close()

	err := q.Do("panicking", func() error { panic("kaboom") })
	if err == nil {
		t.Fatal("Expected panic to surface as an error")
	}

	if err := q.Do("after", func() error { return nil }); err != nil {
		t.Fatalf("Queue should survive a panic, got %v", err)
	}
}

func TestSerialQueueCloseRejectsNewTasks(t *testing.T) {
	q := NewSerialQueue()
	q.Close()

	if err := q.Do("late", func() error { return nil }); err == nil {
		t.Fatal("Expected rejection after Close")
	}

	// Second Close must not panic.
	q.Close()
}
