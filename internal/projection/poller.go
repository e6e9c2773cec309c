package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"projector/internal/commitlog"
)

// PollerOptions carry the timing knobs of one polling loop.
type PollerOptions struct {
	Interval    time.Duration // sleep between poll passes
	HoleWait    time.Duration // sleep before re-reading a span with holes
	BatchSize   int
	HoleRetries int
}

func (o *PollerOptions) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.HoleWait <= 0 {
		o.HoleWait = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.HoleRetries <= 0 {
		o.HoleRetries = DefaultHoleRetries
	}
}

// Poller owns one cancellable polling loop over the commit log, driving a
// Sequencer from a resume position. At most one poll pass is in flight at a
// time; timer-driven and manual polls that arrive while one runs are
// coalesced, not queued.
type Poller struct {
	id     int
	log    commitlog.Log
	seq    *Sequencer
	opts   PollerOptions
	logger *slog.Logger

	polling  atomic.Bool
	position atomic.Int64
	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	trigger  chan struct{}
}

func NewPoller(id int, log commitlog.Log, sink Sink, startFrom int64, opts PollerOptions, logger *slog.Logger) *Poller {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "poller", "poller_id", id)
	p := &Poller{
		id:      id,
		log:     log,
		seq:     NewSequencer(sink, startFrom, opts.HoleRetries, logger),
		opts:    opts,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	p.position.Store(startFrom)
	return p
}

func (p *Poller) ID() int { return p.id }

// Position is the last position fully accepted by this poller, exposed for
// health reporting.
func (p *Poller) Position() int64 { return p.position.Load() }

// Start spawns the background loop. Errors out of a poll pass are logged
// and the loop continues on the next tick, except a fatal sink error which
// stops the loop; an unrecoverable fault must surface, not retry forever.
func (p *Poller) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("poller %d already started", p.id)
	}
	go p.run(ctx)
	return nil
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		if err := p.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if isFatal(err) {
				p.logger.Error("pipeline fault, poller stopping", "err", err)
				return
			}
			p.logger.Warn("poll pass failed", "err", err)
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.trigger:
		case <-time.After(p.opts.Interval):
		}
	}
}

// Poll runs one pass. Safe to call concurrently: a compare-and-swap guard
// collapses overlapping invocations into the one already in flight.
func (p *Poller) Poll(ctx context.Context) error {
	if !p.polling.CompareAndSwap(false, true) {
		return nil
	}
	defer p.polling.Store(false)

	p.seq.OnStart(p.position.Load() + 1)
	for {
		holes, err := p.pollOnce(ctx)
		if err != nil {
			return err
		}
		if !holes {
			return nil
		}
		// give the concurrent writer time to land before re-reading
		select {
		case <-time.After(p.opts.HoleWait):
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pollOnce sweeps the log from the sequencer's cursor until it runs dry or
// hits a hole. Accepted progress survives a hole back-off: the retry
// re-reads from lastAccepted+1, never re-delivering within the pass.
func (p *Poller) pollOnce(ctx context.Context) (holes bool, err error) {
	lastSeen := int64(0)
	for {
		commits, err := p.log.ReadFrom(ctx, p.seq.LastAccepted()+1, p.opts.BatchSize)
		if err != nil {
			if errors.Is(err, commitlog.ErrClosed) {
				return false, nil
			}
			return false, fmt.Errorf("read commits from %d: %w", p.seq.LastAccepted()+1, err)
		}
		if len(commits) == 0 {
			break
		}
		for _, c := range commits {
			accepted, err := p.seq.OnNext(ctx, c)
			if err != nil {
				return false, err
			}
			if !accepted {
				p.position.Store(p.seq.LastAccepted())
				return true, nil
			}
			if c.Position > lastSeen {
				lastSeen = c.Position
			}
		}
		p.position.Store(p.seq.LastAccepted())
	}
	p.seq.OnCompleted(lastSeen)
	p.position.Store(p.seq.LastAccepted())
	return false, nil
}

// TriggerPoll requests an immediate pass, bypassing the interval timer.
// No-op when a trigger is already pending.
func (p *Poller) TriggerPoll() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stop signals cancellation and blocks until the background loop has
// observed it and exited.
func (p *Poller) Stop() {
	if !p.started.Load() {
		return
	}
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}
