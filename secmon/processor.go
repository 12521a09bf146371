package secmon

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Processor attributes trace records to the monitored container and counts their syscalls.
//
// Handle may be called from several goroutines at once.
type Processor struct {
	logger      *zap.SugaredLogger
	correlation *Correlation
	table       *SyscallTable
	metrics     *Metrics
	onMatch     func(TraceRecord)

	out   io.Writer
	outMu sync.Mutex

	seen       atomic.Uint64
	attributed atomic.Uint64
	dropped    atomic.Uint64
}

// ProcessorOpt configures optional parts of a Processor.
type ProcessorOpt func(p *Processor)

// WithOutput sets where the per-event trace lines go. A nil writer disables them.
func WithOutput(w io.Writer) ProcessorOpt {
	return func(p *Processor) {
		p.out = w
	}
}

func WithMetrics(m *Metrics) ProcessorOpt {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithMatchHook registers fn to be called once, with the record that set the matched cgroup.
func WithMatchHook(fn func(TraceRecord)) ProcessorOpt {
	return func(p *Processor) {
		p.onMatch = fn
	}
}

func NewProcessor(
	logger *zap.SugaredLogger,
	correlation *Correlation,
	table *SyscallTable,
	opts ...ProcessorOpt,
) *Processor {
	p := &Processor{
		logger:      logger,
		correlation: correlation,
		table:       table,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WriteHeader writes the column header for the trace lines.
func (p *Processor) WriteHeader() error {
	if p.out == nil {
		return nil
	}

	p.outMu.Lock()
	defer p.outMu.Unlock()

	if _, err := fmt.Fprintf(p.out, "%-16s %10s %10s\n", "COMM", "PID", "SYSCALL_ID"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return nil
}

// Handle decodes a raw sample and processes it.
func (p *Processor) Handle(raw []byte) error {
	record, err := DecodeRecord(raw)
	if err != nil {
		p.metrics.recordDecodeError()
		return err
	}

	p.HandleRecord(record)

	return nil
}

// HandleRecord processes an already decoded record and returns the attribution verdict.
func (p *Processor) HandleRecord(r TraceRecord) Verdict {
	p.seen.Add(1)
	p.metrics.recordSeen()

	verdict := p.correlation.Attribute(r)

	switch verdict {
	case Dropped:
		p.dropped.Add(1)
		p.metrics.recordDropped()

		return verdict
	case Matched:
		p.logger.Infow(
			"matched monitored container to cgroup",
			"cgroup_id", r.CgroupID,
			"pid", r.Pid,
			"comm", r.Command(),
		)
		p.metrics.setMatchedGroup(r.CgroupID)

		if p.onMatch != nil {
			p.onMatch(r)
		}
	case Candidate:
		p.logger.Debugw(
			"candidate pid outside matched cgroup",
			"cgroup_id", r.CgroupID,
			"pid", r.Pid,
		)
	}

	p.record(r)

	return verdict
}

func (p *Processor) record(r TraceRecord) {
	p.attributed.Add(1)

	if p.out != nil {
		p.outMu.Lock()
		_, err := fmt.Fprintf(p.out, "%-16s %10d %10d\n", r.Command(), r.Pid, r.SyscallID)
		p.outMu.Unlock()

		if err != nil {
			p.logger.Warnw("failed to write trace line", "err", err)
		}
	}

	p.table.Increment(r.SyscallID)
	p.metrics.recordSyscall(r.SyscallID)
}

func (p *Processor) Correlation() *Correlation {
	return p.correlation
}

func (p *Processor) Table() *SyscallTable {
	return p.table
}

// Seen is the number of records handled.
func (p *Processor) Seen() uint64 {
	return p.seen.Load()
}

// Attributed is the number of records counted.
func (p *Processor) Attributed() uint64 {
	return p.attributed.Load()
}

// Dropped is the number of records ignored.
func (p *Processor) Dropped() uint64 {
	return p.dropped.Load()
}
