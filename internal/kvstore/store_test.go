package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreGetSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok, _ := store.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}

	if err := store.Set(ctx, "abc", "value", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, ok, _ := store.Get(ctx, "abc")
	if !ok || got != "value" {
		t.Fatalf("unexpected value: %q ok=%v", got, ok)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "gone", "value", -time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "gone"); ok {
		t.Fatalf("expected expired key to be a miss")
	}
}

func TestMemoryStoreIncrement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Increment(ctx, "counter")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "old", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	swapped, err := store.CompareAndSwap(ctx, "k", "old", "new", time.Minute)
	if err != nil || !swapped {
		t.Fatalf("expected swap to succeed, swapped=%v err=%v", swapped, err)
	}

	// A second swap from the stale value must fail.
	swapped, err = store.CompareAndSwap(ctx, "k", "old", "other", time.Minute)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if swapped {
		t.Fatalf("expected stale swap to fail")
	}

	got, _, _ := store.Get(ctx, "k")
	if got != "new" {
		t.Fatalf("expected value new, got %q", got)
	}
}

func TestMemoryStoreCompareAndSwapMissingKey(t *testing.T) {
	store := NewMemoryStore()
	swapped, err := store.CompareAndSwap(context.Background(), "nope", "a", "b", time.Minute)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if swapped {
		t.Fatalf("expected swap on missing key to fail")
	}
}
