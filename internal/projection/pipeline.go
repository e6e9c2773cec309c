package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"projector/internal/domain"
	"projector/internal/notify"
)

// ErrPipelineStalled means a consumer stage refused a retried send for the
// whole retry budget: the stage is stuck or dead, not merely slow. Fatal
// for the pipeline and the poller feeding it.
var ErrPipelineStalled = errors.New("pipeline stage stalled")

func isFatal(err error) bool {
	return errors.Is(err, ErrPipelineStalled)
}

// backpressureCheck is how often a blocked ingress send re-checks
// cancellation.
const backpressureCheck = 2 * time.Second

// PipelineOptions bound every stage of the fan-out.
type PipelineOptions struct {
	IngressCapacity     int
	StageCapacity       int
	BroadcastRetries    int
	BroadcastRetrySleep time.Duration
}

func (o *PipelineOptions) withDefaults() {
	if o.IngressCapacity <= 0 {
		o.IngressCapacity = 4000
	}
	if o.StageCapacity <= 0 {
		o.StageCapacity = 1000
	}
	if o.BroadcastRetries <= 0 {
		o.BroadcastRetries = 3
	}
	if o.BroadcastRetrySleep <= 0 {
		o.BroadcastRetrySleep = 500 * time.Millisecond
	}
}

// StageStatus is one consumer stage's health snapshot.
type StageStatus struct {
	Consumer  string
	Slot      string
	Active    bool
	Handled   int64
	LastError string
}

// consumerStage is one bounded queue plus a single worker invoking the
// consumer. A consumer that returns an error is permanently faulted for
// this process lifetime: the flag flips, later items are drained and
// dropped, siblings never notice.
type consumerStage struct {
	consumer Consumer
	types    []string
	queue    chan domain.Commit
	active   atomic.Bool
	handled  atomic.Int64

	errMu   sync.Mutex
	lastErr error
}

func (s *consumerStage) fault(err error) {
	s.errMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.errMu.Unlock()
	s.active.Store(false)
}

func (s *consumerStage) faultErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Pipeline is the bounded fan-out: ingress buffer, enhancement stage,
// broadcast stage and one independent stage per consumer. Closing the
// ingress propagates completion stage to stage; Wait blocks until the last
// stage drains, so no commit is lost mid-shutdown.
type Pipeline struct {
	opts     PipelineOptions
	enhancer *Enhancer
	tracker  *Tracker
	notifier notify.Publisher
	logger   *slog.Logger

	ingress  chan domain.Commit
	enhanced chan domain.Commit
	stages   []*consumerStage

	wg      sync.WaitGroup
	fatal   chan struct{}
	fatalMu sync.Mutex
	fatalEr error
	closed  atomic.Bool
	started atomic.Bool
}

func NewPipeline(consumers []Consumer, enhancer *Enhancer, tracker *Tracker, notifier notify.Publisher, opts PipelineOptions, logger *slog.Logger) *Pipeline {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	p := &Pipeline{
		opts:     opts,
		enhancer: enhancer,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger.With("component", "pipeline"),
		ingress:  make(chan domain.Commit, opts.IngressCapacity),
		enhanced: make(chan domain.Commit, opts.IngressCapacity),
		fatal:    make(chan struct{}),
	}
	for _, c := range consumers {
		stage := &consumerStage{
			consumer: c,
			types:    c.StreamTypes(),
			queue:    make(chan domain.Commit, opts.StageCapacity),
		}
		stage.active.Store(true)
		p.stages = append(p.stages, stage)
	}
	return p
}

// Start spawns the stage workers.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	// enhancement runs single-worker: per-consumer position order is
	// inherited from the sequencer and must survive this stage
	p.wg.Add(1)
	go p.enhanceLoop()
	p.wg.Add(1)
	go p.broadcastLoop()
	for _, stage := range p.stages {
		p.wg.Add(1)
		go p.stageLoop(stage)
	}
}

// OnNext feeds one commit into the ingress buffer. Blocks when consumers
// fall behind, re-checking cancellation periodically; backpressure reaches
// the poller through this call. Implements Sink.
func (p *Pipeline) OnNext(ctx context.Context, c domain.Commit) error {
	for {
		select {
		case p.ingress <- c:
			return nil
		case <-p.fatal:
			return p.FatalErr()
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backpressureCheck):
		}
	}
}

func (p *Pipeline) enhanceLoop() {
	defer p.wg.Done()
	defer close(p.enhanced)
	for c := range p.ingress {
		p.enhancer.Enhance(&c)
		select {
		case p.enhanced <- c:
		case <-p.fatal:
			// broadcastLoop is gone; draining into a dead stage would
			// block this loop forever and leave Wait hanging
			return
		}
	}
}

func (p *Pipeline) broadcastLoop() {
	defer p.wg.Done()
	defer func() {
		for _, stage := range p.stages {
			close(stage.queue)
		}
	}()
	for c := range p.enhanced {
		stream := domain.ParseStreamID(c.PartitionID)
		for _, stage := range p.stages {
			if !stage.active.Load() {
				continue
			}
			if !interestedIn(stage.types, stream) {
				continue
			}
			if err := p.offer(stage, c); err != nil {
				p.fail(err)
				return
			}
		}
	}
}

// offer sends to a stage queue, retrying a bounded number of times on a
// full queue. Exhausting the budget distinguishes a dead stage from a slow
// one and is fatal.
func (p *Pipeline) offer(stage *consumerStage, c domain.Commit) error {
	for attempt := 0; ; attempt++ {
		select {
		case stage.queue <- c:
			return nil
		default:
		}
		if attempt >= p.opts.BroadcastRetries {
			return fmt.Errorf("%w: consumer %s refused position %d after %d attempts",
				ErrPipelineStalled, stage.consumer.Name(), c.Position, attempt)
		}
		select {
		case stage.queue <- c:
			return nil
		case <-time.After(p.opts.BroadcastRetrySleep):
		}
	}
}

func (p *Pipeline) stageLoop(stage *consumerStage) {
	defer p.wg.Done()
	ctx := context.Background()
	for c := range stage.queue {
		if !stage.active.Load() {
			continue // faulted: drain and drop
		}
		p.dispatchTo(ctx, stage, c)
	}
}

func (p *Pipeline) dispatchTo(ctx context.Context, stage *consumerStage, c domain.Commit) {
	name := stage.consumer.Name()
	stream := domain.ParseStreamID(c.PartitionID)

	res, err := p.handle(ctx, stage, c, stream)
	if err != nil {
		stage.fault(err)
		p.logger.Error("consumer faulted, dispatch to it stops",
			"consumer", name, "position", c.Position, "err", err)
		return
	}

	stage.handled.Add(1)
	p.tracker.MarkPosition(name, c.Position)

	if res != nil {
		// fire and forget: a lost notification never affects dispatch
		n := notify.ReadModelUpdated{
			Consumer: name,
			Slot:     stage.consumer.Slot(),
			StreamID: stream.String(),
			Position: c.Position,
			Created:  res.Created,
		}
		if err := p.notifier.Publish(ctx, n); err != nil {
			p.logger.Warn("read-model notification dropped", "consumer", name, "err", err)
		}
	}
}

// handle invokes the consumer, converting a panic into a consumer fault so
// one buggy projection cannot take the process down.
func (p *Pipeline) handle(ctx context.Context, stage *consumerStage, c domain.Commit, stream domain.StreamID) (res *domain.HandleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked at %d: %v", stage.consumer.Name(), c.Position, r)
		}
	}()
	return stage.consumer.Handle(ctx, c.Position, c.Payload, stream)
}

func (p *Pipeline) fail(err error) {
	p.fatalMu.Lock()
	first := p.fatalEr == nil
	if first {
		p.fatalEr = err
	}
	p.fatalMu.Unlock()
	if first {
		close(p.fatal)
		p.logger.Error("pipeline fatal", "err", err)
	}
}

// FatalErr returns the pipeline-stopping error, if any.
func (p *Pipeline) FatalErr() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalEr
}

// FaultConsumer marks one consumer's stage permanently faulted. Used by the
// catch-up dispatcher when a full reprojection fails before the stage has
// seen any traffic.
func (p *Pipeline) FaultConsumer(name string, err error) {
	for _, stage := range p.stages {
		if stage.consumer.Name() == name {
			stage.fault(err)
			return
		}
	}
}

// Close completes the ingress buffer; completion propagates through every
// linked stage in order. Safe to call once.
func (p *Pipeline) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.ingress)
	}
}

// Wait blocks until every stage has drained or ctx expires.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stages reports per-consumer health for the operator surface.
func (p *Pipeline) Stages() []StageStatus {
	out := make([]StageStatus, 0, len(p.stages))
	for _, stage := range p.stages {
		st := StageStatus{
			Consumer: stage.consumer.Name(),
			Slot:     stage.consumer.Slot(),
			Active:   stage.active.Load(),
			Handled:  stage.handled.Load(),
		}
		if err := stage.faultErr(); err != nil {
			st.LastError = err.Error()
		}
		out = append(out, st)
	}
	return out
}
