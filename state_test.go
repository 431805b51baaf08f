package sluice

import (
	"sync"
	"testing"
)

func TestStateRegistryLifecycle(t *testing.T) {
	r := NewStateRegistry()
	id := NewID()
	s := r.Begin(id, 6)

	if got := s.Total(); got != 6 {
		t.Errorf("Total = %d, want 6", got)
	}
	if got, total := r.StepDone(id); got != 1 || total != 6 {
		t.Errorf("StepDone = (%d, %d), want (1, 6)", got, total)
	}
	if got, total := r.StepDone(id); got != 2 || total != 6 {
		t.Errorf("StepDone = (%d, %d), want (2, 6)", got, total)
	}

	s.setData(`{"ok":true}`)
	data, ok := s.Data()
	if !ok || data != `{"ok":true}` {
		t.Errorf("Data = (%q, %v)", data, ok)
	}

	r.Finish(id)
	if _, ok := r.Get(id); ok {
		t.Error("entry should be gone after Finish")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestStateRegistryCancel(t *testing.T) {
	r := NewStateRegistry()
	id := NewID()
	r.Begin(id, 3)

	if r.Canceled(id) {
		t.Error("fresh request should not be canceled")
	}
	if !r.Cancel(id) {
		t.Error("Cancel on live request should return true")
	}
	if !r.Canceled(id) {
		t.Error("Canceled should observe the flag")
	}
	// Idempotent.
	if !r.Cancel(id) {
		t.Error("second Cancel should still return true")
	}

	r.Finish(id)
	if r.Cancel(id) {
		t.Error("Cancel on finished request should return false")
	}
	if r.Canceled(id) {
		t.Error("Canceled on unknown id should be false")
	}
}

func TestStateRegistryUnknownID(t *testing.T) {
	r := NewStateRegistry()
	if done, total := r.StepDone("missing"); done != 0 || total != 0 {
		t.Errorf("StepDone(missing) = (%d, %d), want zeros", done, total)
	}
	if r.Cancel("missing") {
		t.Error("Cancel(missing) should be false")
	}
}

func TestStateRegistryConcurrentSteps(t *testing.T) {
	r := NewStateRegistry()
	id := NewID()
	r.Begin(id, 400)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.StepDone(id)
			}
		}()
	}
	wg.Wait()

	s, _ := r.Get(id)
	if got := s.Completed(); got != 400 {
		t.Errorf("Completed = %d, want 400", got)
	}
}

func TestStateRegistryDeferredTotal(t *testing.T) {
	r := NewStateRegistry()
	id := NewID()
	s := r.Begin(id, 0)

	if got := s.Total(); got != 0 {
		t.Errorf("Total before chunking = %d, want 0", got)
	}
	if !r.Cancel(id) {
		t.Error("Cancel should reach a request whose total is still unknown")
	}

	s.setTotal(6)
	if _, total := r.StepDone(id); total != 6 {
		t.Errorf("StepDone total = %d, want 6", total)
	}
}
