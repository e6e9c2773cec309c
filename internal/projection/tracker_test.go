package projection

import (
	"context"
	"strings"
	"testing"

	"projector/internal/checkpoint"
	"projector/internal/domain"
)

func regsFor(t *testing.T) []Registration {
	t.Helper()
	return []Registration{
		{Name: "orders-view", Slot: "orders", Signature: "v1", StreamTypes: []string{"order"}},
		{Name: "orders-index", Slot: "orders", Signature: "v1", StreamTypes: []string{"order"}},
		{Name: "billing-view", Slot: "billing", Signature: "v3", StreamTypes: []string{"invoice"}},
	}
}

func setUpTracker(t *testing.T, store checkpoint.Store) *Tracker {
	t.Helper()
	tr := NewTracker(store, nil)
	if err := tr.SetUp(context.Background(), regsFor(t), false); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestTrackerSetUpCreatesMissingCheckpoints(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	setUpTracker(t, store)

	cp, ok, err := store.Load(context.Background(), "orders-view")
	if err != nil || !ok {
		t.Fatalf("checkpoint not created: ok=%v err=%v", ok, err)
	}
	if cp.Slot != "orders" || cp.Signature != "v1" || cp.Value != 0 {
		t.Fatalf("unexpected fresh checkpoint: %+v", cp)
	}
}

func TestTrackerSetUpSignatureMismatchBlocks(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	if err := store.Save(ctx, domain.Checkpoint{ID: "orders-view", Value: 10, Slot: "orders", Signature: "v0"}); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(store, nil)
	err := tr.SetUp(ctx, regsFor(t), false)
	if err == nil || !strings.Contains(err.Error(), "signature mismatch") {
		t.Fatalf("expected signature mismatch error, got %v", err)
	}
}

func TestTrackerSetUpRebuildAllSkipsSignatureCheck(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	if err := store.Save(ctx, domain.Checkpoint{ID: "orders-view", Value: 10, Slot: "orders", Signature: "v0"}); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(store, nil)
	if err := tr.SetUp(ctx, regsFor(t), true); err != nil {
		t.Fatal(err)
	}
	if !tr.Rebuilding("orders") {
		t.Fatalf("rebuild-all setup should flag every slot")
	}
}

func TestTrackerSetUpRejectsDuplicatesAndReservedNames(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(checkpoint.NewMemoryStore(), nil)

	err := tr.SetUp(ctx, []Registration{
		{Name: "a", Slot: "s", Signature: "v1"},
		{Name: "a", Slot: "s", Signature: "v1"},
		{Name: checkpoint.VersionSentinelID, Slot: "s", Signature: "v1"},
	}, false)
	if err == nil {
		t.Fatal("expected setup errors")
	}
	if !strings.Contains(err.Error(), "duplicate") || !strings.Contains(err.Error(), "reserved") {
		t.Fatalf("expected duplicate and reserved errors, got %v", err)
	}
}

func TestTrackerMarkPositionIsMonotonic(t *testing.T) {
	tr := setUpTracker(t, checkpoint.NewMemoryStore())

	tr.MarkPosition("orders-view", 7)
	tr.MarkPosition("orders-view", 3) // stale, ignored
	tr.MarkPosition("orders-view", 7) // repeat, ignored
	if got := tr.DispatchedPosition("orders-view"); got != 7 {
		t.Fatalf("dispatched = %d, want 7", got)
	}

	tr.MarkPosition("unknown-consumer", 99)
	if _, ok := tr.Checkpoints()["unknown-consumer"]; ok {
		t.Fatal("mark for unknown consumer must not create a checkpoint")
	}
}

func TestTrackerMinAndMaxCheckpoints(t *testing.T) {
	tr := setUpTracker(t, checkpoint.NewMemoryStore())

	tr.MarkPosition("orders-view", 12)
	tr.MarkPosition("orders-index", 9)
	tr.MarkPosition("billing-view", 4)

	if got := tr.MinCheckpoint(); got != 4 {
		t.Fatalf("min = %d, want 4", got)
	}
	if got := tr.MaxDispatchedCheckpoint(); got != 12 {
		t.Fatalf("max = %d, want 12", got)
	}
}

func TestTrackerFlushAdvancesSlotCurrentToSlotMin(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	tr := setUpTracker(t, store)

	tr.MarkPosition("orders-view", 12)
	tr.MarkPosition("orders-index", 9)
	if err := tr.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// the slot is only durably applied up to its slowest consumer
	if got := tr.SlotCurrent("orders"); got != 9 {
		t.Fatalf("slot current = %d, want 9", got)
	}
	cp, _, err := store.Load(ctx, "orders-view")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Value != 12 || cp.Current == nil || *cp.Current != 9 {
		t.Fatalf("flushed checkpoint = %+v", cp)
	}
}

func TestTrackerFlushFreezesCurrentDuringRebuild(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	tr := setUpTracker(t, store)

	tr.MarkPosition("orders-view", 5)
	tr.MarkPosition("orders-index", 5)
	if err := tr.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := tr.SlotCurrent("orders"); got != 5 {
		t.Fatalf("slot current = %d, want 5", got)
	}

	tr.StartRebuild("orders")
	tr.MarkPosition("orders-view", 20)
	tr.MarkPosition("orders-index", 20)
	if err := tr.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	// readers keep seeing the pre-rebuild position until the rebuild lands
	if got := tr.SlotCurrent("orders"); got != 5 {
		t.Fatalf("slot current moved during rebuild: %d", got)
	}

	if err := tr.FinishRebuild(ctx, "orders", 20); err != nil {
		t.Fatal(err)
	}
	if tr.Rebuilding("orders") {
		t.Fatal("slot still flagged after FinishRebuild")
	}
	if got := tr.SlotCurrent("orders"); got != 20 {
		t.Fatalf("slot current = %d after rebuild, want 20", got)
	}
	cp, _, err := store.Load(ctx, "orders-index")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Value != 20 || cp.Current == nil || *cp.Current != 20 {
		t.Fatalf("rebuilt checkpoint = %+v", cp)
	}
}

func TestTrackerUpdateSlotWritesThrough(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	tr := setUpTracker(t, store)

	err := tr.UpdateSlotAndSetCheckpoint(ctx, "orders", []string{"orders-view", "orders-index"}, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.DispatchedPosition("orders-index"); got != 100 {
		t.Fatalf("dispatched = %d, want 100", got)
	}
	if got := tr.SlotCurrent("orders"); got != 100 {
		t.Fatalf("slot current = %d, want 100", got)
	}
	cp, _, err := store.Load(ctx, "orders-view")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Value != 100 || cp.Current == nil || *cp.Current != 100 || cp.Signature != "v1" {
		t.Fatalf("durable checkpoint = %+v", cp)
	}
}

func TestTrackerCheckpointErrorsClassification(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	seed := []domain.Checkpoint{
		// healthy slot: both consumers agree on a nonzero position
		{ID: "healthy-a", Value: 50, Slot: "healthy", Signature: "v1"},
		{ID: "healthy-b", Value: 50, Slot: "healthy", Signature: "v1"},
		// a new consumer at zero next to an established one: rebuild
		{ID: "grown-a", Value: 50, Slot: "grown", Signature: "v1"},
		{ID: "grown-b", Value: 0, Slot: "grown", Signature: "v1"},
		// two nonzero positions disagreeing: divergence
		{ID: "split-a", Value: 50, Slot: "split", Signature: "v1"},
		{ID: "split-b", Value: 47, Slot: "split", Signature: "v1"},
	}
	for _, cp := range seed {
		if err := store.Save(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}

	tr := NewTracker(store, nil)
	regs := []Registration{
		{Name: "healthy-a", Slot: "healthy", Signature: "v1"},
		{Name: "healthy-b", Slot: "healthy", Signature: "v1"},
		{Name: "grown-a", Slot: "grown", Signature: "v1"},
		{Name: "grown-b", Slot: "grown", Signature: "v1"},
		{Name: "split-a", Slot: "split", Signature: "v1"},
		{Name: "split-b", Slot: "split", Signature: "v1"},
	}
	if err := tr.SetUp(ctx, regs, false); err != nil {
		t.Fatal(err)
	}

	errs := tr.CheckpointErrors()
	byReason := make(map[string]string, len(errs))
	for _, e := range errs {
		byReason[e.Slot] = e.Reason
	}
	if _, ok := byReason["healthy"]; ok {
		t.Fatalf("healthy slot reported: %v", errs)
	}
	if byReason["grown"] != "rebuild" {
		t.Fatalf("grown slot = %q, want rebuild: %v", byReason["grown"], errs)
	}
	if byReason["split"] != "diverged" {
		t.Fatalf("split slot = %q, want diverged: %v", byReason["split"], errs)
	}

	// a slot mid-rebuild is expected to disagree and stays quiet
	tr.StartRebuild("split")
	for _, e := range tr.CheckpointErrors() {
		if e.Slot == "split" {
			t.Fatalf("rebuilding slot still reported: %v", e)
		}
	}
}

func TestTrackerBrandNewSlotReportsNew(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(checkpoint.NewMemoryStore(), nil)
	regs := []Registration{
		{Name: "fresh-a", Slot: "fresh", Signature: "v1"},
		{Name: "fresh-b", Slot: "fresh", Signature: "v1"},
	}
	if err := tr.SetUp(ctx, regs, false); err != nil {
		t.Fatal(err)
	}

	// a slot whose every consumer sits at zero has never been built; that
	// is a distinct state from a fresh consumer joining an established slot
	errs := tr.CheckpointErrors()
	if len(errs) != 1 || errs[0].Slot != "fresh" || errs[0].Reason != "new" {
		t.Fatalf("expected fresh slot reported as new, got %v", errs)
	}
}

func TestTrackerSingleConsumerAtZeroReportsNew(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(checkpoint.NewMemoryStore(), nil)
	regs := []Registration{
		{Name: "solo-view", Slot: "solo", Signature: "v1"},
	}
	if err := tr.SetUp(ctx, regs, false); err != nil {
		t.Fatal(err)
	}

	errs := tr.CheckpointErrors()
	if len(errs) != 1 || errs[0].Slot != "solo" || errs[0].Reason != "new" {
		t.Fatalf("expected solo slot reported as new, got %v", errs)
	}
}

func TestTrackerDeactivatedSlotStaysQuiet(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	tr := setUpTracker(t, store)

	// second setup drops billing; its slot deactivates instead of erroring
	regs := []Registration{
		{Name: "orders-view", Slot: "orders", Signature: "v1"},
		{Name: "orders-index", Slot: "orders", Signature: "v1"},
	}
	if err := tr.SetUp(ctx, regs, false); err != nil {
		t.Fatal(err)
	}
	for _, e := range tr.CheckpointErrors() {
		if e.Slot == "billing" {
			t.Fatalf("inactive slot reported: %v", e)
		}
	}
}
