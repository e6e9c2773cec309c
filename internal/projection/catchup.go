package projection

import (
	"context"
	"fmt"
	"log/slog"

	"projector/internal/domain"
)

// DefaultCatchupThreshold is how far behind the fleet a consumer may be
// before it is isolated onto the catch-up poller instead of dragging the
// shared poller back through history.
const DefaultCatchupThreshold int64 = 20_000

// Plan is the startup decision of which poller feeds which consumers.
type Plan struct {
	Steady  []Consumer
	Catchup []Consumer

	// SteadyStart is the steady-state poller's resume position: the minimum
	// checkpoint among its consumers. It is also the catch-up boundary.
	SteadyStart int64

	// CatchupStart is the catch-up poller's resume position.
	CatchupStart int64
}

// PlanCatchup assigns each consumer to a poller. A consumer whose stored
// checkpoint trails the fleet's maximum by more than threshold (including
// brand-new consumers at zero) goes to the catch-up poller; everyone else
// stays on the steady-state poller.
func PlanCatchup(consumers []Consumer, checkpoints map[string]int64, threshold int64) Plan {
	if threshold <= 0 {
		threshold = DefaultCatchupThreshold
	}

	var lastDispatched int64
	for _, pos := range checkpoints {
		if pos > lastDispatched {
			lastDispatched = pos
		}
	}

	var plan Plan
	steadyFirst, catchupFirst := true, true
	for _, c := range consumers {
		cp := checkpoints[c.Name()]
		if lastDispatched-cp > threshold {
			plan.Catchup = append(plan.Catchup, c)
			if catchupFirst || cp < plan.CatchupStart {
				plan.CatchupStart = cp
				catchupFirst = false
			}
			continue
		}
		plan.Steady = append(plan.Steady, c)
		if steadyFirst || cp < plan.SteadyStart {
			plan.SteadyStart = cp
			steadyFirst = false
		}
	}
	if steadyFirst {
		// no steady consumers: the boundary is the fleet maximum
		plan.SteadyStart = lastDispatched
	}
	return plan
}

// CatchupDispatcher is the catch-up poller's sink. Below the steady-state
// poller's starting point it collapses "N commits for one aggregate" into a
// single full reprojection per stream identity, then bulk-marks the
// catch-up consumers. Once its position crosses the boundary it hands off:
// checkpoints are set to the boundary exactly once and every further commit
// flows through the normal dispatch pipeline.
type CatchupDispatcher struct {
	boundary  int64
	consumers []Consumer
	tracker   *Tracker
	pipeline  *Pipeline
	logger    *slog.Logger

	seen    map[string]struct{}
	faulted map[string]struct{}
	crossed bool
}

func NewCatchupDispatcher(boundary int64, consumers []Consumer, tracker *Tracker, pipeline *Pipeline, logger *slog.Logger) *CatchupDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatchupDispatcher{
		boundary:  boundary,
		consumers: consumers,
		tracker:   tracker,
		pipeline:  pipeline,
		logger:    logger.With("component", "catchup"),
		seen:      make(map[string]struct{}),
		faulted:   make(map[string]struct{}),
	}
}

// OnNext implements Sink for the catch-up poller. Single-goroutine caller
// only (the poller), so the seen/crossed state needs no locking.
func (d *CatchupDispatcher) OnNext(ctx context.Context, c domain.Commit) error {
	if !d.crossed && c.Position < d.boundary {
		return d.projectHistorical(ctx, c)
	}
	if !d.crossed {
		if err := d.handOff(ctx); err != nil {
			return err
		}
	}
	return d.pipeline.OnNext(ctx, c)
}

func (d *CatchupDispatcher) projectHistorical(ctx context.Context, c domain.Commit) error {
	stream := domain.ParseStreamID(c.PartitionID)
	if _, done := d.seen[stream.String()]; !done && !c.Empty() {
		d.seen[stream.String()] = struct{}{}
		for _, cons := range d.consumers {
			if _, bad := d.faulted[cons.Name()]; bad {
				continue
			}
			if !interestedIn(cons.StreamTypes(), stream) {
				continue
			}
			if err := cons.FullProject(ctx, stream); err != nil {
				d.faulted[cons.Name()] = struct{}{}
				d.pipeline.FaultConsumer(cons.Name(), err)
				d.logger.Error("full reprojection failed, consumer faulted",
					"consumer", cons.Name(), "stream", stream.String(), "err", err)
			}
		}
	}
	for _, cons := range d.consumers {
		if _, bad := d.faulted[cons.Name()]; bad {
			continue
		}
		d.tracker.MarkPosition(cons.Name(), c.Position)
	}
	return nil
}

// handOff marks the boundary crossing: the per-pass projected-identity set
// is cleared and every catch-up consumer's checkpoint is durably set to the
// boundary, once.
func (d *CatchupDispatcher) handOff(ctx context.Context) error {
	d.crossed = true
	d.seen = nil

	bySlot := make(map[string][]string)
	for _, cons := range d.consumers {
		bySlot[cons.Slot()] = append(bySlot[cons.Slot()], cons.Name())
	}
	for slot, names := range bySlot {
		if err := d.tracker.UpdateSlotAndSetCheckpoint(ctx, slot, names, d.boundary, d.boundary); err != nil {
			return fmt.Errorf("catch-up handoff for slot %s: %w", slot, err)
		}
	}
	d.logger.Info("catch-up reached steady-state boundary", "boundary", d.boundary)
	return nil
}

// Crossed reports whether the dispatcher has passed the boundary and now
// feeds the normal dispatch path.
func (d *CatchupDispatcher) Crossed() bool { return d.crossed }
