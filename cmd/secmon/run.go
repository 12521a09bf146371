package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tcassar-diss/secmon/internal/config"
	"github.com/tcassar-diss/secmon/internal/docker"
	"github.com/tcassar-diss/secmon/internal/logger"
	"github.com/tcassar-diss/secmon/internal/procfs"
	"github.com/tcassar-diss/secmon/secmon"
)

const shutdownTimeout = 10 * time.Second

type launcher interface {
	Launch(ctx context.Context, image string) (*docker.Container, error)
	Stop(ctx context.Context, c *docker.Container, remove bool) error
	Close() error
}

type kernelSource interface {
	secmon.Source
	Close() error
}

var (
	newLauncher = func(l *zap.SugaredLogger) (launcher, error) {
		return docker.NewManager(l)
	}
	newSource = func(l *zap.SugaredLogger, objectPath string) (kernelSource, error) {
		return secmon.LoadKernelSource(l, objectPath)
	}
	newCgroupReader = procfs.NewReader
	newLogger       = logger.New
)

// run is the whole monitoring session. Startup and runtime failures are returned without
// writing any counts.
func run(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	log, err := newLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	policy, err := cfg.CorrelationPolicy()
	if err != nil {
		return err
	}

	lis, err := listenMetrics(cfg.MetricsAddr)
	if err != nil {
		return err
	}
	if lis != nil {
		defer lis.Close()
	}

	mgr, err := newLauncher(log)
	if err != nil {
		return fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	defer mgr.Close()

	ctr, err := mgr.Launch(ctx, cfg.Image)
	if err != nil {
		return fmt.Errorf("failed to launch %s: %w", cfg.Image, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := mgr.Stop(stopCtx, ctr, cfg.RemoveContainer); err != nil {
			log.Errorw("failed to stop container", "name", ctr.Name, "err", err)
		}
	}()

	candidates := secmon.NewCandidateSet(ctr.PIDs)
	if candidates.Len() == 0 {
		return fmt.Errorf("container %s: %w", ctr.Name, secmon.ErrNoCandidates)
	}

	expected := expectedCgroups(log, newCgroupReader(log), candidates)

	source, err := newSource(log, cfg.BPFObjectPath)
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}
	defer source.Close()

	metrics := secmon.NewMetrics()

	opts := []secmon.ProcessorOpt{
		secmon.WithMetrics(metrics),
		secmon.WithMatchHook(func(r secmon.TraceRecord) {
			if len(expected) > 0 && !slices.Contains(expected, r.CgroupID) {
				log.Warnw(
					"matched cgroup is not the cgroup any candidate was started in",
					"cgroup_id", r.CgroupID,
					"expected", expected,
				)
			}
		}),
	}
	if !cfg.Quiet {
		opts = append(opts, secmon.WithOutput(stdout))
	}

	processor := secmon.NewProcessor(
		log,
		secmon.NewCorrelation(candidates, policy),
		secmon.NewSyscallTable(),
		opts...,
	)

	if err := processor.WriteHeader(); err != nil {
		return err
	}

	poller := secmon.NewPoller(log, source, processor, secmon.PollerCfg{
		PollTimeout: cfg.PollTimeout,
		Duration:    cfg.Duration,
	})

	if err := pollAndServe(ctx, log, cfg, lis, poller, metrics); err != nil {
		return err
	}

	snapshot := processor.Table().Snapshot()

	reporter := secmon.NewReporter(log, cfg.ReportTimeout)

	if err := reporter.WriteFile(cfg.OutputPath, snapshot); err != nil {
		return fmt.Errorf("failed to report syscall counts: %w", err)
	}

	if cfg.ReportURL != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), cfg.ReportTimeout)
		defer cancel()

		if err := reporter.Push(pushCtx, cfg.ReportURL, snapshot); err != nil {
			return fmt.Errorf("failed to push syscall counts: %w", err)
		}
	}

	return nil
}

// listenMetrics binds the metrics address before anything is started, so an endpoint
// that cannot be served fails the session up front. An empty addr disables metrics.
func listenMetrics(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, nil
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	return lis, nil
}

// pollAndServe runs the poller, and the metrics server if lis is set, until the poller
// finishes.
func pollAndServe(
	ctx context.Context,
	log *zap.SugaredLogger,
	cfg *config.Config,
	lis net.Listener,
	poller *secmon.Poller,
	metrics *secmon.Metrics,
) error {
	var group errgroup.Group

	pollDone := make(chan struct{})

	group.Go(func() error {
		defer close(pollDone)

		state, err := poller.Run(ctx)
		if err != nil {
			return fmt.Errorf("tracing stopped in state %s: %w", state, err)
		}

		return nil
	})

	if lis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(cfg.MetricsRatePerSec, cfg.MetricsRateBurst))

		srv := &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		group.Go(func() error {
			log.Infow("serving metrics", "addr", lis.Addr().String())

			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}

			return nil
		})

		group.Go(func() error {
			<-pollDone

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

// expectedCgroups looks up the cgroup each candidate currently lives in. It is only used to
// sanity check the cgroup matched from the trace, so failures are logged and skipped.
func expectedCgroups(log *zap.SugaredLogger, reader *procfs.Reader, candidates secmon.CandidateSet) []uint64 {
	var ids []uint64

	for _, pid := range candidates.PIDs() {
		id, err := reader.CgroupID(pid)
		if err != nil {
			log.Debugw("failed to resolve candidate cgroup", "pid", pid, "err", err)
			continue
		}

		path, _ := reader.CgroupPath(pid)
		log.Infow("candidate process", "pid", pid, "cgroup", path, "cgroup_id", id)

		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	return ids
}
