package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"projector/internal/checkpoint"
	"projector/internal/commitlog"
	"projector/internal/notify"

	"golang.org/x/sync/errgroup"
)

// EngineOptions gather the engine-level knobs.
type EngineOptions struct {
	Poller           PollerOptions
	Pipeline         PipelineOptions
	FlushInterval    time.Duration
	CatchupThreshold int64
	RebuildAll       bool
}

func (o *EngineOptions) withDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.CatchupThreshold <= 0 {
		o.CatchupThreshold = DefaultCatchupThreshold
	}
}

// ConsumerStatus is the operator-facing health of one consumer.
type ConsumerStatus struct {
	Name      string
	Slot      string
	PollerID  int
	Active    bool
	Handled   int64
	Position  int64
	LastError string
}

// SlotStatus is the operator-facing health of one slot.
type SlotStatus struct {
	Name  string
	State string // "healthy" | "new" | "rebuild" | "diverged" | "rebuilding"
	Lag   int64  // max known log position minus the slot's minimum checkpoint
}

// EngineStatus is the full health snapshot.
type EngineStatus struct {
	Consumers []ConsumerStatus
	Slots     []SlotStatus
}

// Engine owns the projection core: the checkpoint tracker, one or two
// pollers with their dispatch pipelines, the catch-up handoff and the
// periodic checkpoint flush. Register all consumers, then Start; the
// registration set is immutable for the life of the process.
type Engine struct {
	log      commitlog.Log
	store    checkpoint.Store
	notifier notify.Publisher
	opts     EngineOptions
	logger   *slog.Logger

	upcasters *UpcasterRegistry
	tracker   *Tracker
	consumers []Consumer
	pollerOf  map[string]int

	steady      *Poller
	catchup     *Poller
	steadyPipe  *Pipeline
	catchupPipe *Pipeline

	flushStop chan struct{}
	group     *errgroup.Group
	started   atomic.Bool
	stopped   atomic.Bool
}

func NewEngine(log commitlog.Log, store checkpoint.Store, notifier notify.Publisher, opts EngineOptions, logger *slog.Logger) *Engine {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		log:       log,
		store:     store,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With("component", "engine"),
		upcasters: NewUpcasterRegistry(),
		tracker:   NewTracker(store, logger),
		pollerOf:  make(map[string]int),
		flushStop: make(chan struct{}),
	}
}

// Upcasters exposes the engine-owned upcaster registry for registration
// before Start.
func (e *Engine) Upcasters() *UpcasterRegistry { return e.upcasters }

// Tracker exposes checkpoint queries for operational tooling.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Register adds a consumer. Pre-start only; duplicate names are rejected
// eagerly rather than failing at dispatch time.
func (e *Engine) Register(c Consumer) error {
	if e.started.Load() {
		return fmt.Errorf("register %s: engine already started", c.Name())
	}
	if c.Name() == "" {
		return fmt.Errorf("consumer name is required")
	}
	for _, existing := range e.consumers {
		if existing.Name() == c.Name() {
			return fmt.Errorf("duplicate consumer registration %q", c.Name())
		}
	}
	e.consumers = append(e.consumers, c)
	return nil
}

// Start brings the engine up: checkpoint store version check, tracker
// setup (startup-blocking on schema/signature faults), catch-up planning,
// then pollers, pipelines and the flush loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	if len(e.consumers) == 0 {
		return fmt.Errorf("no consumers registered")
	}

	ver, err := e.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint store version: %w", err)
	}
	if ver > checkpoint.SchemaVersion {
		return fmt.Errorf("checkpoint store version %d is newer than supported %d", ver, checkpoint.SchemaVersion)
	}
	if ver == 0 {
		if err := e.store.Init(ctx); err != nil {
			return fmt.Errorf("init checkpoint store: %w", err)
		}
	}

	// provisional plan against durable checkpoints to assign pollers
	stored := make(map[string]int64, len(e.consumers))
	for _, c := range e.consumers {
		cp, ok, err := e.store.Load(ctx, c.Name())
		if err != nil {
			return fmt.Errorf("load checkpoint %s: %w", c.Name(), err)
		}
		if ok {
			stored[c.Name()] = cp.Value
		}
	}
	plan := PlanCatchup(e.consumers, stored, e.opts.CatchupThreshold)

	regs := make([]Registration, 0, len(e.consumers))
	for _, c := range plan.Steady {
		regs = append(regs, registrationFor(c, SteadyPollerID))
		e.pollerOf[c.Name()] = SteadyPollerID
	}
	for _, c := range plan.Catchup {
		regs = append(regs, registrationFor(c, CatchupPollerID))
		e.pollerOf[c.Name()] = CatchupPollerID
	}
	if err := e.checkRebuildCatchupExclusion(plan); err != nil {
		return err
	}
	if err := e.tracker.SetUp(ctx, regs, e.opts.RebuildAll); err != nil {
		return fmt.Errorf("checkpoint setup: %w", err)
	}

	enhancer := NewEnhancer(e.upcasters)

	if len(plan.Steady) > 0 {
		e.steadyPipe = NewPipeline(plan.Steady, enhancer, e.tracker, e.notifier, e.opts.Pipeline, e.logger)
		e.steadyPipe.Start()
		e.steady = NewPoller(SteadyPollerID, e.log, e.steadyPipe, plan.SteadyStart, e.opts.Poller, e.logger)
		if err := e.steady.Start(ctx); err != nil {
			return err
		}
	}
	if len(plan.Catchup) > 0 {
		e.catchupPipe = NewPipeline(plan.Catchup, enhancer, e.tracker, e.notifier, e.opts.Pipeline, e.logger)
		e.catchupPipe.Start()
		dispatcher := NewCatchupDispatcher(plan.SteadyStart, plan.Catchup, e.tracker, e.catchupPipe, e.logger)
		e.catchup = NewPoller(CatchupPollerID, e.log, dispatcher, plan.CatchupStart, e.opts.Poller, e.logger)
		if err := e.catchup.Start(ctx); err != nil {
			return err
		}
	}

	e.group, _ = errgroup.WithContext(ctx)
	e.group.Go(func() error {
		e.flushLoop(ctx)
		return nil
	})

	e.logger.Info("engine started",
		"consumers", len(e.consumers),
		"steady", len(plan.Steady),
		"catchup", len(plan.Catchup),
		"boundary", plan.SteadyStart)
	return nil
}

// Rebuild mode and catch-up mode are mutually exclusive per slot: a slot
// being rebuilt must not simultaneously replay through the catch-up poller.
func (e *Engine) checkRebuildCatchupExclusion(plan Plan) error {
	if !e.opts.RebuildAll || len(plan.Catchup) == 0 {
		return nil
	}
	var errs []error
	for _, c := range plan.Catchup {
		errs = append(errs, fmt.Errorf("slot %s: consumer %s cannot be in rebuild and catch-up at once", c.Slot(), c.Name()))
	}
	return errors.Join(errs...)
}

func (e *Engine) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.flushStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.tracker.Flush(ctx); err != nil {
				e.logger.Warn("checkpoint flush failed", "err", err)
			}
		}
	}
}

// TriggerPoll requests an immediate pass on one poller, bypassing the
// timer. Unknown poller ids are ignored.
func (e *Engine) TriggerPoll(pollerID int) {
	switch pollerID {
	case SteadyPollerID:
		if e.steady != nil {
			e.steady.TriggerPoll()
		}
	case CatchupPollerID:
		if e.catchup != nil {
			e.catchup.TriggerPoll()
		}
	}
}

// Flush writes checkpoints to durable storage now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.tracker.Flush(ctx)
}

// Stop halts the pollers, drains both pipelines and flushes checkpoints a
// final time. Idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.Load() || !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if e.steady != nil {
		e.steady.Stop()
	}
	if e.catchup != nil {
		e.catchup.Stop()
	}
	var errs []error
	for _, pipe := range []*Pipeline{e.steadyPipe, e.catchupPipe} {
		if pipe == nil {
			continue
		}
		pipe.Close()
		if err := pipe.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain pipeline: %w", err))
		}
	}
	close(e.flushStop)
	if e.group != nil {
		_ = e.group.Wait()
	}
	if err := e.tracker.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close notifier: %w", err))
	}
	return errors.Join(errs...)
}

// Status reports per-consumer and per-slot health for the operator
// surface: faulted consumers with their last error, slots needing rebuild
// or investigation, and per-slot lag behind the log head.
func (e *Engine) Status() EngineStatus {
	var st EngineStatus

	slotMin := make(map[string]int64)
	for _, pipe := range []*Pipeline{e.steadyPipe, e.catchupPipe} {
		if pipe == nil {
			continue
		}
		for _, stage := range pipe.Stages() {
			pos := e.tracker.DispatchedPosition(stage.Consumer)
			st.Consumers = append(st.Consumers, ConsumerStatus{
				Name:      stage.Consumer,
				Slot:      stage.Slot,
				PollerID:  e.pollerOf[stage.Consumer],
				Active:    stage.Active,
				Handled:   stage.Handled,
				Position:  pos,
				LastError: stage.LastError,
			})
			if cur, ok := slotMin[stage.Slot]; !ok || pos < cur {
				slotMin[stage.Slot] = pos
			}
		}
	}

	// lag measures distance from the log head, not from the fastest
	// consumer: when every consumer stalls, the dispatched maximum stalls
	// with them and would hide the backlog
	head := e.tracker.MaxDispatchedCheckpoint()
	if hl, ok := e.log.(commitlog.Head); ok {
		if pos, err := hl.Head(context.Background()); err == nil && pos > head {
			head = pos
		}
	}
	flagged := make(map[string]string)
	for _, cpErr := range e.tracker.CheckpointErrors() {
		flagged[cpErr.Slot] = cpErr.Reason
	}
	for slot, minPos := range slotMin {
		state := "healthy"
		if e.tracker.Rebuilding(slot) {
			state = "rebuilding"
		} else if reason, ok := flagged[slot]; ok {
			state = reason
		}
		st.Slots = append(st.Slots, SlotStatus{Name: slot, State: state, Lag: head - minPos})
	}
	return st
}
