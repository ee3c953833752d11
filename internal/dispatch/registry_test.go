package dispatch

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_AddRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := NewRegistry(openStore(t))

	id, added, err := r.Add(ctx, "  -100123 ")
	if err != nil || !added || id != "-100123" {
		t.Fatalf("Add: id=%q added=%v err=%v", id, added, err)
	}
	if _, added, _ = r.Add(ctx, "-100123"); added {
		t.Fatalf("second Add must be a no-op")
	}
	if _, _, err = r.Add(ctx, "hello"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}

	list, err := r.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %v %v", list, err)
	}

	if _, removed, err := r.Remove(ctx, "-100123"); err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	if _, removed, _ := r.Remove(ctx, "-100123"); removed {
		t.Fatalf("second Remove must report false")
	}
}
