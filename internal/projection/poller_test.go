package projection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"projector/internal/commitlog"
	"projector/internal/domain"
)

// stubLog is a scriptable commit log: reads are served from a slice, and a
// hook observes every ReadFrom call.
type stubLog struct {
	mu      sync.Mutex
	commits []domain.Commit
	closed  bool
	reads   atomic.Int64
	onRead  func(from int64)
}

func (l *stubLog) add(positions ...int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range positions {
		l.commits = append(l.commits, commitAt(pos))
	}
}

func (l *stubLog) ReadFrom(_ context.Context, from int64, limit int) ([]domain.Commit, error) {
	l.reads.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onRead != nil {
		l.onRead(from)
	}
	if l.closed {
		return nil, commitlog.ErrClosed
	}
	var out []domain.Commit
	for _, c := range l.commits {
		if c.Position >= from {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func fastOpts() PollerOptions {
	return PollerOptions{
		Interval:    5 * time.Millisecond,
		HoleWait:    5 * time.Millisecond,
		BatchSize:   10,
		HoleRetries: 3,
	}
}

func TestPollerDeliversCommitsInOrder(t *testing.T) {
	log := &stubLog{}
	log.add(1, 2, 3, 4, 5)
	sink := &recordingSink{}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	if err := p.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := sink.seen()
	if len(got) != 5 {
		t.Fatalf("expected 5 commits, got %v", got)
	}
	for i, pos := range got {
		if pos != int64(i+1) {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
	if p.Position() != 5 {
		t.Fatalf("poller position = %d", p.Position())
	}
}

func TestPollerWaitsOutHoleThenSkips(t *testing.T) {
	log := &stubLog{}
	log.add(1, 3) // 2 is a hole that never fills
	sink := &recordingSink{}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	if err := p.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := sink.seen()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected hole to be skipped after retries, got %v", got)
	}
	// the hole forced several re-reads of the same span
	if log.reads.Load() < 3 {
		t.Fatalf("expected hole retries to re-read, got %d reads", log.reads.Load())
	}
}

func TestPollerHoleFilledDuringBackoff(t *testing.T) {
	log := &stubLog{}
	log.add(1, 3)
	filled := false
	log.onRead = func(from int64) {
		// the concurrent writer lands while the poller backs off
		if from == 2 && !filled {
			filled = true
			log.commits = append(log.commits, commitAt(2))
		}
	}
	sink := &recordingSink{}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	if err := p.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := sink.seen()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected filled hole delivered in order, got %v", got)
	}
}

func TestPollerCoalescesConcurrentPolls(t *testing.T) {
	log := &stubLog{}
	log.add(1)
	var entered atomic.Int64
	block := make(chan struct{})
	sink := &recordingSink{fn: func(domain.Commit) error {
		entered.Add(1)
		<-block
		return nil
	}}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	done := make(chan error, 1)
	go func() { done <- p.Poll(context.Background()) }()

	// wait until the first poll is visibly in flight
	for i := 0; i < 100 && entered.Load() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	// an overlapping poll must return immediately instead of queueing a pass
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("overlapping poll should be a no-op, got %v", err)
	}
	if entered.Load() != 1 {
		t.Fatalf("overlapping poll dispatched a second delivery")
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := sink.seen(); len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", got)
	}
}

func TestPollerClosedLogIsNoOp(t *testing.T) {
	log := &stubLog{closed: true}
	sink := &recordingSink{}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("closed log should be a no-op, got %v", err)
	}
}

func TestPollerStopIsSynchronous(t *testing.T) {
	log := &stubLog{}
	sink := &recordingSink{}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}

	p.Stop()
	// the loop has exited: new appends are never picked up
	reads := log.reads.Load()
	log.add(1)
	time.Sleep(30 * time.Millisecond)
	if log.reads.Load() != reads {
		t.Fatalf("poller still reading after Stop")
	}
}

func TestPollerBackgroundLoopPicksUpNewCommits(t *testing.T) {
	log := &stubLog{}
	sink := &recordingSink{}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	log.add(1, 2)
	deadline := time.After(2 * time.Second)
	for len(sink.seen()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("background loop never delivered, got %v", sink.seen())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollerTriggerPollBypassesTimer(t *testing.T) {
	log := &stubLog{}
	sink := &recordingSink{}
	opts := fastOpts()
	opts.Interval = time.Hour // timer effectively disabled
	p := NewPoller(SteadyPollerID, log, sink, 0, opts, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	// first pass runs immediately on start; wait for it
	for i := 0; i < 200 && log.reads.Load() == 0; i++ {
		time.Sleep(time.Millisecond)
	}

	log.add(1)
	p.TriggerPoll()
	deadline := time.After(2 * time.Second)
	for len(sink.seen()) < 1 {
		select {
		case <-deadline:
			t.Fatalf("manual trigger never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollerFatalSinkErrorStopsLoop(t *testing.T) {
	log := &stubLog{}
	log.add(1)
	sink := &recordingSink{fn: func(domain.Commit) error {
		return errors.Join(ErrPipelineStalled, errors.New("stage stuck"))
	}}
	p := NewPoller(SteadyPollerID, log, sink, 0, fastOpts(), nil)

	err := p.Poll(context.Background())
	if !errors.Is(err, ErrPipelineStalled) {
		t.Fatalf("expected fatal error to surface, got %v", err)
	}
}
