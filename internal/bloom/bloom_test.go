package bloom

import (
	"context"
	"testing"

	"github.com/bankotij/Heliox-Proxy/internal/kvstore"
)

func TestSoundness_NoFalseNegatives(t *testing.T) {
	store := kvstore.NewFallback()
	f := New(store, 1000, 0.01)
	ctx := context.Background()

	items := []string{"cache:aaa", "cache:bbb", "cache:ccc", "/items/1", "/items/2"}
	for _, it := range items {
		if err := f.Add(ctx, it); err != nil {
			t.Fatalf("Add(%q): %v", it, err)
		}
	}
	for _, it := range items {
		probe, err := f.Check(ctx, it)
		if err != nil {
			t.Fatalf("Check(%q): %v", it, err)
		}
		if probe != Maybe {
			t.Fatalf("expected Maybe for previously added item %q, got %v", it, probe)
		}
	}
}

func TestCheck_UnseenItemUsuallyDefinitelyNot(t *testing.T) {
	store := kvstore.NewFallback()
	f := New(store, 1000, 0.01)
	ctx := context.Background()

	if err := f.Add(ctx, "cache:seen"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	probe, err := f.Check(ctx, "cache:never-added")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if probe != DefinitelyNot {
		t.Fatalf("expected DefinitelyNot for an unseen item in a near-empty filter, got %v", probe)
	}
}
