package memory

import (
	"context"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Set(ctx, "ctx-1", map[string]string{"fact": "sky is blue"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	blob, ok, err := s.Get(ctx, "ctx-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || blob["fact"] != "sky is blue" {
		t.Errorf("got %v, %v", blob, ok)
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	blob, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || blob != nil {
		t.Errorf("got %v, %v, want not found", blob, ok)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Set(ctx, "ctx-1", map[string]string{"k": "v"})

	blob, _, _ := s.Get(ctx, "ctx-1")
	blob["k"] = "mutated"

	again, _, _ := s.Get(ctx, "ctx-1")
	if again["k"] != "v" {
		t.Errorf("stored blob mutated through a returned copy: %v", again)
	}
}

func TestSetCopiesInput(t *testing.T) {
	s := New()
	ctx := context.Background()
	blob := map[string]string{"k": "v"}
	s.Set(ctx, "ctx-1", blob)
	blob["k"] = "mutated"

	got, _, _ := s.Get(ctx, "ctx-1")
	if got["k"] != "v" {
		t.Errorf("stored blob mutated through the caller's map: %v", got)
	}
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Set(ctx, "ctx-1", map[string]string{"k": "v"})

	if err := s.Delete(ctx, "ctx-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "ctx-1"); ok {
		t.Error("context still present after delete")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}

	// Deleting a missing id is not an error.
	if err := s.Delete(ctx, "ctx-1"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
