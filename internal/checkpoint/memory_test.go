package checkpoint

import (
	"context"
	"errors"
	"testing"

	"projector/internal/domain"
)

func TestMemoryStoreSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.Load(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing checkpoint: ok=%v err=%v", ok, err)
	}

	cur := int64(5)
	cp := domain.Checkpoint{ID: "orders-view", Value: 7, Current: &cur, Slot: "orders", Signature: "v1"}
	if err := s.Save(ctx, cp); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Load(ctx, "orders-view")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Value != 7 || got.Current == nil || *got.Current != 5 || got.Slot != "orders" {
		t.Fatalf("loaded = %+v", got)
	}

	// the store holds its own copy of Current
	cur = 99
	got, _, _ = s.Load(ctx, "orders-view")
	if *got.Current != 5 {
		t.Fatalf("stored current aliased caller memory: %d", *got.Current)
	}
}

func TestMemoryStoreRejectsReservedID(t *testing.T) {
	s := NewMemoryStore()
	err := s.Save(context.Background(), domain.Checkpoint{ID: VersionSentinelID})
	if !errors.Is(err, ErrReservedID) {
		t.Fatalf("expected reserved-id error, got %v", err)
	}
}

func TestMemoryStoreAllIsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		if err := s.Save(ctx, domain.Checkpoint{ID: id, Slot: "s", Signature: "v1"}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Fatalf("all = %+v", all)
	}
}

func TestMemoryStoreVersionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ver, err := s.Version(ctx)
	if err != nil || ver != 0 {
		t.Fatalf("fresh store version = %d, err %v", ver, err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	ver, err = s.Version(ctx)
	if err != nil || ver != SchemaVersion {
		t.Fatalf("initialized version = %d, err %v", ver, err)
	}
	// re-init keeps the existing version
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
}
