package projection

import (
	"context"
	"log/slog"

	"projector/internal/domain"
)

// Sink receives commits in strictly increasing position order. The dispatch
// pipeline's ingress implements it for the steady-state poller; the catch-up
// dispatcher wraps it for the catch-up poller.
type Sink interface {
	OnNext(ctx context.Context, c domain.Commit) error
}

// DefaultHoleRetries is how many times a hole is waited out before the
// sequencer degrades to skip-and-continue for the rest of the pass.
const DefaultHoleRetries = 5

// Sequencer guarantees strictly sequential position delivery to its sink.
// A commit whose position is not lastAccepted+1 is a hole: the sequencer
// rejects it so the poller can back off and re-read, and after the retry
// budget is spent it logs the gap and stops stopping-on-hole, trading a
// possibly skipped commit for liveness.
type Sequencer struct {
	sink   Sink
	logger *slog.Logger

	// positions at or below this point predate the engine start and are
	// never hole-checked; catch-up replay is inherently non-sequential.
	startSequencingAt int64

	lastAccepted int64
	processed    int64
	retries      int
	maxRetries   int
	stopOnHole   bool
}

func NewSequencer(sink Sink, startSequencingAt int64, maxRetries int, logger *slog.Logger) *Sequencer {
	if maxRetries <= 0 {
		maxRetries = DefaultHoleRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		sink:              sink,
		logger:            logger.With("component", "sequencer"),
		startSequencingAt: startSequencingAt,
		lastAccepted:      startSequencingAt,
		maxRetries:        maxRetries,
		stopOnHole:        true,
	}
}

// OnStart begins a polling pass resuming at resume. A sequencer that spent
// its retry budget recently keeps the lenient skip policy for the next pass.
func (s *Sequencer) OnStart(resume int64) {
	s.lastAccepted = resume - 1
	s.processed = 0
	s.stopOnHole = s.retries <= s.maxRetries
}

// OnNext offers one commit. It returns false when a hole was detected and
// the caller should back off and re-read from the same start position.
func (s *Sequencer) OnNext(ctx context.Context, c domain.Commit) (bool, error) {
	sequential := c.Position == s.lastAccepted+1
	historical := c.Position <= s.startSequencingAt
	if !sequential && !historical && s.stopOnHole {
		s.retries++
		if s.retries > s.maxRetries {
			s.logger.Warn("hole retry budget spent, skipping forward",
				"expected", s.lastAccepted+1,
				"observed", c.Position,
				"retries", s.retries)
			s.stopOnHole = false
			// fall through and accept the out-of-order commit
		} else {
			return false, nil
		}
	}
	if err := s.sink.OnNext(ctx, c); err != nil {
		return false, err
	}
	if c.Position > s.lastAccepted {
		s.lastAccepted = c.Position
	}
	s.processed++
	s.retries = 0
	return true, nil
}

// OnCompleted ends a pass at finalPosition, the highest position the read
// observed. When at least one item was processed the cursor advances past
// trailing empty regions even if nothing was accepted there.
func (s *Sequencer) OnCompleted(finalPosition int64) {
	if s.processed > 0 && finalPosition > s.lastAccepted {
		s.lastAccepted = finalPosition
	}
}

func (s *Sequencer) LastAccepted() int64 { return s.lastAccepted }
