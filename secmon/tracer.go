package secmon

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

//go:generate clang -O2 -g -Wall -target bpf -c ../bpf/secmon.bpf.c -o ../bpf/secmon.bpf.o

var (
	ErrTraceLoad    = errors.New("failed to load trace program")
	ErrSourceClosed = errors.New("trace source closed")
)

// DefaultBPFObjectPath is where `go generate` leaves the compiled kernel program.
const DefaultBPFObjectPath = "bpf/secmon.bpf.o"

// maxBatch caps a single poll so a busy ring buffer cannot starve the poller.
const maxBatch = 4096

// secmonObjects mirrors the programs and maps defined in bpf/secmon.bpf.c.
type secmonObjects struct {
	RawTpSysEnter *ebpf.Program `ebpf:"raw_tp_sys_enter"`
	Events        *ebpf.Map     `ebpf:"events"`
}

func (o *secmonObjects) Close() error {
	var errs []error

	if o.RawTpSysEnter != nil {
		errs = append(errs, o.RawTpSysEnter.Close())
	}
	if o.Events != nil {
		errs = append(errs, o.Events.Close())
	}

	return errors.Join(errs...)
}

// KernelSource is a Source backed by the sys_enter raw tracepoint program.
type KernelSource struct {
	logger  *zap.SugaredLogger
	objects secmonObjects
	tp      link.Link
	rd      *ringbuf.Reader
}

var (
	_ Source       = (*KernelSource)(nil)
	_ recordReader = (*ringbuf.Reader)(nil)
)

// LoadKernelSource loads the kernel program from objectPath and attaches it to sys_enter.
//
// Every failure wraps ErrTraceLoad.
func LoadKernelSource(logger *zap.SugaredLogger, objectPath string) (*KernelSource, error) {
	logger.Infow("initialising ebpf backend", "object", objectPath)

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("%w: are you root? failed to remove memlock: %w", ErrTraceLoad, err)
	}

	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrTraceLoad, objectPath, err)
	}

	k := &KernelSource{logger: logger}

	if err := spec.LoadAndAssign(&k.objects, nil); err != nil {
		return nil, fmt.Errorf("%w: failed to load bpf objects: %w", ErrTraceLoad, err)
	}

	k.tp, err = link.AttachRawTracepoint(link.RawTracepointOptions{
		Name:    "sys_enter",
		Program: k.objects.RawTpSysEnter,
	})
	if err != nil {
		k.objects.Close()
		return nil, fmt.Errorf("%w: failed to attach to raw tracepoint: %w", ErrTraceLoad, err)
	}

	k.rd, err = ringbuf.NewReader(k.objects.Events)
	if err != nil {
		k.tp.Close()
		k.objects.Close()
		return nil, fmt.Errorf("%w: failed to get reader to events map: %w", ErrTraceLoad, err)
	}

	return k, nil
}

// Poll reads records until timeout passes without a new one, or maxBatch records are read.
func (k *KernelSource) Poll(timeout time.Duration) ([][]byte, error) {
	return readBatch(k.rd, timeout, maxBatch)
}

// recordReader is the part of *ringbuf.Reader a poll uses.
type recordReader interface {
	SetDeadline(t time.Time)
	Read() (ringbuf.Record, error)
}

func readBatch(rd recordReader, timeout time.Duration, limit int) ([][]byte, error) {
	rd.SetDeadline(time.Now().Add(timeout))

	var batch [][]byte

	for len(batch) < limit {
		record, err := rd.Read()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			break
		} else if errors.Is(err, ringbuf.ErrClosed) {
			return batch, ErrSourceClosed
		} else if err != nil {
			return batch, fmt.Errorf("failed to read from ringbuffer: %w", err)
		}

		batch = append(batch, record.RawSample)
	}

	return batch, nil
}

// Close detaches the program and releases the ring buffer. It unblocks a pending Poll.
func (k *KernelSource) Close() error {
	var errs []error

	if k.rd != nil {
		errs = append(errs, k.rd.Close())
	}
	if k.tp != nil {
		errs = append(errs, k.tp.Close())
	}
	errs = append(errs, k.objects.Close())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close kernel source: %w", err)
	}

	k.logger.Info("ebpf backend closed")

	return nil
}
