package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"projector/internal/checkpoint"
	"projector/internal/domain"
)

// CheckpointError classifies what a slot needs before it is healthy again:
// "new" for a slot whose every consumer sits at zero, "rebuild" when a
// fresh consumer at zero joined an established slot, "diverged" when
// consumers disagree on nonzero checkpoints.
type CheckpointError struct {
	Slot   string
	Reason string
	Detail string
}

func (e CheckpointError) Error() string {
	return fmt.Sprintf("slot %s %s: %s", e.Slot, e.Reason, e.Detail)
}

// Tracker is the single source of truth for per-consumer dispatch progress.
// In-memory maps are authoritative for decisions; the durable store is
// written on a timer or explicitly. All mutations are single-key, so many
// dispatch workers and the flush timer can race safely.
type Tracker struct {
	store  checkpoint.Store
	logger *slog.Logger

	mu         sync.RWMutex
	dispatched map[string]int64  // consumer -> last dispatched position
	slotOf     map[string]string // consumer -> slot
	signatures map[string]string // consumer -> code signature
	current    map[string]int64  // slot -> last position durably applied
	rebuilding map[string]bool   // slot -> rebuild in progress
	active     map[string]bool   // slot -> registered in the current setup

	flushing atomic.Bool
}

func NewTracker(store checkpoint.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:      store,
		logger:     logger.With("component", "checkpoint-tracker"),
		dispatched: make(map[string]int64),
		slotOf:     make(map[string]string),
		signatures: make(map[string]string),
		current:    make(map[string]int64),
		rebuilding: make(map[string]bool),
		active:     make(map[string]bool),
	}
}

// SetUp loads or creates the durable checkpoint for every registration.
// All previously known slots are deactivated first, then exactly the slots
// passed here are reactivated; a consumer removed from code leaves its slot
// inactive and visible to operators. A stored signature that disagrees with
// the code outside rebuild mode is a startup-blocking error, never a silent
// reset.
func (t *Tracker) SetUp(ctx context.Context, regs []Registration, rebuildAll bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for slot := range t.active {
		t.active[slot] = false
	}

	var errs []error
	seen := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		if reg.Name == "" || reg.Slot == "" {
			errs = append(errs, fmt.Errorf("registration missing name or slot: %+v", reg))
			continue
		}
		if reg.Name == checkpoint.VersionSentinelID {
			errs = append(errs, fmt.Errorf("consumer name %q is reserved", reg.Name))
			continue
		}
		if _, dup := seen[reg.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate checkpoint registration %q", reg.Name))
			continue
		}
		seen[reg.Name] = struct{}{}

		if rebuildAll {
			t.rebuilding[reg.Slot] = true
		}

		cp, ok, err := t.store.Load(ctx, reg.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("load checkpoint %s: %w", reg.Name, err))
			continue
		}
		if !ok {
			cp = domain.Checkpoint{ID: reg.Name, Slot: reg.Slot, Signature: reg.Signature}
			if err := t.store.Save(ctx, cp); err != nil {
				errs = append(errs, fmt.Errorf("create checkpoint %s: %w", reg.Name, err))
				continue
			}
		}
		if cp.Signature != reg.Signature && !t.rebuilding[reg.Slot] {
			errs = append(errs, fmt.Errorf("signature mismatch for %s (stored %q, code %q): rebuild needed", reg.Name, cp.Signature, reg.Signature))
			continue
		}

		t.dispatched[reg.Name] = cp.Value
		t.slotOf[reg.Name] = reg.Slot
		t.signatures[reg.Name] = reg.Signature
		t.active[reg.Slot] = true
		if cp.Current != nil {
			if cur, ok := t.current[reg.Slot]; !ok || *cp.Current < cur {
				t.current[reg.Slot] = *cp.Current
			}
		}
	}
	return errors.Join(errs...)
}

// MarkPosition records that a consumer fully processed position. Monotonic:
// a stale position is logged and ignored, a checkpoint never regresses.
func (t *Tracker) MarkPosition(consumer string, position int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.dispatched[consumer]
	if !ok {
		t.logger.Warn("mark for unknown consumer", "consumer", consumer, "position", position)
		return
	}
	if position <= cur {
		t.logger.Debug("stale mark ignored", "consumer", consumer, "position", position, "tracked", cur)
		return
	}
	t.dispatched[consumer] = position
}

// DispatchedPosition returns the tracked position for one consumer.
func (t *Tracker) DispatchedPosition(consumer string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dispatched[consumer]
}

// Checkpoints returns a snapshot of consumer -> dispatched position.
func (t *Tracker) Checkpoints() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int64, len(t.dispatched))
	for k, v := range t.dispatched {
		out[k] = v
	}
	return out
}

// UpdateSlotAndSetCheckpoint bulk-writes the whole slot's checkpoints to
// durable storage immediately. Used at catch-up and rebuild boundaries,
// where deferring the write would lose the handoff point on a crash.
func (t *Tracker) UpdateSlotAndSetCheckpoint(ctx context.Context, slot string, consumers []string, value, current int64) error {
	t.mu.Lock()
	cps := make([]domain.Checkpoint, 0, len(consumers))
	for _, name := range consumers {
		if value > t.dispatched[name] {
			t.dispatched[name] = value
		}
		cur := current
		cps = append(cps, domain.Checkpoint{
			ID:        name,
			Value:     value,
			Current:   &cur,
			Slot:      slot,
			Signature: t.signatures[name],
		})
	}
	if current > t.current[slot] {
		t.current[slot] = current
	}
	t.mu.Unlock()

	if err := t.store.SaveBatch(ctx, cps); err != nil {
		return fmt.Errorf("set slot %s checkpoint: %w", slot, err)
	}
	return nil
}

// Flush writes every in-memory checkpoint to durable storage. Runs on a
// timer; an overlapping flush is skipped rather than queued, tolerating a
// missed cycle over a blocked one. Durable Current only advances for slots
// not mid-rebuild, so readers never observe partially rebuilt state as
// live.
func (t *Tracker) Flush(ctx context.Context) error {
	if !t.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer t.flushing.Store(false)

	t.mu.Lock()
	slotMin := make(map[string]int64)
	for name, pos := range t.dispatched {
		slot := t.slotOf[name]
		if cur, ok := slotMin[slot]; !ok || pos < cur {
			slotMin[slot] = pos
		}
	}
	for slot, minPos := range slotMin {
		if !t.rebuilding[slot] && minPos > t.current[slot] {
			t.current[slot] = minPos
		}
	}
	cps := make([]domain.Checkpoint, 0, len(t.dispatched))
	for name, pos := range t.dispatched {
		slot := t.slotOf[name]
		cur := t.current[slot]
		cps = append(cps, domain.Checkpoint{
			ID:        name,
			Value:     pos,
			Current:   &cur,
			Slot:      slot,
			Signature: t.signatures[name],
		})
	}
	t.mu.Unlock()

	if err := t.store.SaveBatch(ctx, cps); err != nil {
		return fmt.Errorf("flush checkpoints: %w", err)
	}
	return nil
}

// MinCheckpoint is the lowest dispatched position across all tracked
// consumers, 0 when none are tracked.
func (t *Tracker) MinCheckpoint() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	first := true
	var min int64
	for _, pos := range t.dispatched {
		if first || pos < min {
			min = pos
			first = false
		}
	}
	return min
}

// MaxDispatchedCheckpoint is the highest dispatched position across all
// tracked consumers.
func (t *Tracker) MaxDispatchedCheckpoint() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var max int64
	for _, pos := range t.dispatched {
		if pos > max {
			max = pos
		}
	}
	return max
}

// StartRebuild flags a slot as mid-rebuild; durable Current freezes until
// FinishRebuild.
func (t *Tracker) StartRebuild(slot string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuilding[slot] = true
}

// FinishRebuild ends rebuild mode for a slot and commits the rebuilt
// position as both value and current for every consumer of the slot.
func (t *Tracker) FinishRebuild(ctx context.Context, slot string, value int64) error {
	t.mu.Lock()
	var members []string
	for name, s := range t.slotOf {
		if s == slot {
			members = append(members, name)
		}
	}
	delete(t.rebuilding, slot)
	t.mu.Unlock()

	return t.UpdateSlotAndSetCheckpoint(ctx, slot, members, value, value)
}

// Rebuilding reports whether a slot is mid-rebuild.
func (t *Tracker) Rebuilding(slot string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rebuilding[slot]
}

// CheckpointErrors scans all active slots outside rebuild mode. A slot
// whose every consumer sits at zero is simply new (awaiting its first
// build). Consumers disagreeing on their checkpoint is either a fresh
// consumer at zero joining an established slot (rebuild needed) or genuine
// divergence (investigate); the two are told apart by whether the only
// divergent value is exactly zero.
func (t *Tracker) CheckpointErrors() []CheckpointError {
	t.mu.RLock()
	defer t.mu.RUnlock()

	values := make(map[string][]int64)
	for name, pos := range t.dispatched {
		slot := t.slotOf[name]
		values[slot] = append(values[slot], pos)
	}

	slots := make([]string, 0, len(values))
	for slot := range values {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	var out []CheckpointError
	for _, slot := range slots {
		if t.rebuilding[slot] || !t.active[slot] {
			continue
		}
		vs := values[slot]
		distinct := make(map[int64]struct{}, len(vs))
		for _, v := range vs {
			distinct[v] = struct{}{}
		}
		_, hasZero := distinct[0]
		switch {
		case len(distinct) == 1 && hasZero:
			out = append(out, CheckpointError{
				Slot:   slot,
				Reason: "new",
				Detail: "all consumers at zero, awaiting first build",
			})
		case len(distinct) == 1:
			// agreeing on a nonzero position: healthy
		case len(distinct) == 2 && hasZero:
			out = append(out, CheckpointError{
				Slot:   slot,
				Reason: "rebuild",
				Detail: "new projection(s) at zero, rebuild needed",
			})
		default:
			out = append(out, CheckpointError{
				Slot:   slot,
				Reason: "diverged",
				Detail: fmt.Sprintf("consumers disagree on checkpoint (%d distinct values)", len(distinct)),
			})
		}
	}
	return out
}

// SlotOf returns the slot a consumer belongs to.
func (t *Tracker) SlotOf(consumer string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slotOf[consumer]
}

// SlotCurrent returns the durably applied position for a slot.
func (t *Tracker) SlotCurrent(slot string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current[slot]
}
