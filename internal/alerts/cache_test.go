package alerts

import (
	"context"
	"testing"
	"time"
)

// newClockedStore returns a memory store whose clock the test controls.
func newClockedStore(ttl time.Duration) (*memoryStore, *time.Time) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{
		ttl:     ttl,
		now:     func() time.Time { return now },
		entries: make(map[string]time.Time),
	}
	return store, &now
}

// =============================================================================
// Memory Dedup Store Tests
// =============================================================================

// TestMemoryStore_SeenWithinTTL verifies a recorded id is seen until the
// TTL elapses and unseen after.
func TestMemoryStore_SeenWithinTTL(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore(time.Hour)

	if seen, _ := store.Seen(ctx, "alert-1"); seen {
		t.Error("unrecorded id should be unseen")
	}

	if err := store.Record(ctx, "alert-1"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	*clock = clock.Add(59 * time.Minute)
	if seen, _ := store.Seen(ctx, "alert-1"); !seen {
		t.Error("id should remain seen inside the TTL window")
	}

	*clock = clock.Add(2 * time.Minute)
	if seen, _ := store.Seen(ctx, "alert-1"); seen {
		t.Error("id should expire after the TTL")
	}
}

// TestMemoryStore_LazySweep verifies expired entries are purged when a
// new id is recorded.
func TestMemoryStore_LazySweep(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore(time.Hour)

	store.Record(ctx, "old-1")
	store.Record(ctx, "old-2")

	*clock = clock.Add(2 * time.Hour)
	store.Record(ctx, "fresh")

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 1 {
		t.Errorf("expected only the fresh entry to survive the sweep, got %d", size)
	}
	if seen, _ := store.Seen(ctx, "fresh"); !seen {
		t.Error("fresh entry should be seen")
	}
}

// TestMemoryStore_ReRecordResetsWindow verifies recording an id again
// restarts its TTL.
func TestMemoryStore_ReRecordResetsWindow(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore(time.Hour)

	store.Record(ctx, "alert-1")
	*clock = clock.Add(45 * time.Minute)
	store.Record(ctx, "alert-1")
	*clock = clock.Add(45 * time.Minute)

	if seen, _ := store.Seen(ctx, "alert-1"); !seen {
		t.Error("re-recorded id should count from the latest receipt")
	}
}
