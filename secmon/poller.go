package secmon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrTraceRuntime = errors.New("trace channel failed")
	ErrPollerUsed   = errors.New("poller already started")
)

// DefaultPollTimeout bounds how long a single poll waits for records.
const DefaultPollTimeout = 100 * time.Millisecond

// Source is a pollable channel of raw trace records.
type Source interface {
	// Poll returns the samples that became available within timeout. An empty batch is
	// not an error.
	Poll(timeout time.Duration) ([][]byte, error)
}

// State is a Poller's lifecycle stage.
type State int32

const (
	Idle State = iota
	Running
	Stopped
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case TimedOut:
		return "timed-out"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether the poller has finished.
func (s State) Terminal() bool {
	return s == Stopped || s == TimedOut || s == Failed
}

// PollerCfg configures a Poller.
type PollerCfg struct {
	// PollTimeout is how long each poll may wait for records. Cancellation and the run
	// duration are only checked between polls, so this is also their latency.
	PollTimeout time.Duration

	// Duration ends the run once it has elapsed. Zero runs until cancelled.
	Duration time.Duration
}

// Poller drives a Source, handing every sample to a Processor until it is cancelled,
// times out, or the source fails.
type Poller struct {
	logger    *zap.SugaredLogger
	source    Source
	processor *Processor
	cfg       PollerCfg
	now       func() time.Time

	state      atomic.Int32
	iterations atomic.Uint64
}

func NewPoller(logger *zap.SugaredLogger, source Source, processor *Processor, cfg PollerCfg) *Poller {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}

	return &Poller{
		logger:    logger,
		source:    source,
		processor: processor,
		cfg:       cfg,
		now:       time.Now,
	}
}

// State may be called concurrently with Run.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Iterations is the number of completed polls.
func (p *Poller) Iterations() uint64 {
	return p.iterations.Load()
}

// Run polls until ctx is cancelled (Stopped), the configured duration elapses (TimedOut)
// or the source returns an error (Failed). A batch that has been read is always handled
// in full before cancellation is observed.
func (p *Poller) Run(ctx context.Context) (State, error) {
	if !p.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return p.State(), ErrPollerUsed
	}

	p.logger.Infow(
		"polling trace source",
		"poll_timeout", p.cfg.PollTimeout,
		"duration", p.cfg.Duration,
		"candidates", p.processor.Correlation().Candidates().PIDs(),
	)

	start := p.now()

	for {
		if ctx.Err() != nil {
			return p.finish(Stopped, nil)
		}

		if p.cfg.Duration > 0 && p.now().Sub(start) >= p.cfg.Duration {
			return p.finish(TimedOut, nil)
		}

		batch, err := p.source.Poll(p.cfg.PollTimeout)
		if err != nil {
			return p.finish(Failed, fmt.Errorf("%w: %w", ErrTraceRuntime, err))
		}

		for _, raw := range batch {
			if err := p.processor.Handle(raw); err != nil {
				return p.finish(Failed, fmt.Errorf("%w: %w", ErrTraceRuntime, err))
			}
		}

		p.iterations.Add(1)
	}
}

func (p *Poller) finish(s State, err error) (State, error) {
	p.state.Store(int32(s))

	p.logger.Infow(
		"polling finished",
		"state", s.String(),
		"iterations", p.Iterations(),
		"seen", p.processor.Seen(),
		"attributed", p.processor.Attributed(),
		"dropped", p.processor.Dropped(),
	)

	return s, err
}
