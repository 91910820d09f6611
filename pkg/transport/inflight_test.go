package transport

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestInFlightRegisterAndTake(t *testing.T) {
	r := NewInFlight[int]()

	if !r.Register("conn_a", 1) {
		t.Fatal("Register should succeed for a new id")
	}
	if r.Register("conn_a", 2) {
		t.Error("Register should refuse a duplicate id")
	}
	if v, ok := r.Get("conn_a"); !ok || v != 1 {
		t.Errorf("Get = (%d, %v), want (1, true)", v, ok)
	}

	v, ok := r.Take("conn_a")
	if !ok || v != 1 {
		t.Errorf("Take = (%d, %v), want (1, true)", v, ok)
	}
	if _, ok := r.Take("conn_a"); ok {
		t.Error("second Take should report false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestInFlightSnapshot(t *testing.T) {
	r := NewInFlight[string]()
	r.Register("a", "x")
	r.Register("b", "y")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	r.Take("a")
	if len(snap) != 2 {
		t.Error("snapshot must not change when the table does")
	}
}

func TestInFlightConcurrentTakeOnce(t *testing.T) {
	r := NewInFlight[int]()
	r.Register("conn", 7)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Take("conn"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
}
