package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tcassar-diss/secmon/internal/config"
	"github.com/tcassar-diss/secmon/internal/docker"
	"github.com/tcassar-diss/secmon/internal/procfs"
	"github.com/tcassar-diss/secmon/secmon"
)

type fakeLauncher struct {
	container *docker.Container
	err       error
	launched  bool
	stopped   bool
	removed   bool
}

func (f *fakeLauncher) Launch(_ context.Context, image string) (*docker.Container, error) {
	f.launched = true
	if f.err != nil {
		return nil, f.err
	}
	f.container.Image = image
	return f.container, nil
}

func (f *fakeLauncher) Stop(_ context.Context, _ *docker.Container, remove bool) error {
	f.stopped = true
	f.removed = remove
	return nil
}

func (f *fakeLauncher) Close() error { return nil }

type fakeSource struct {
	batches [][][]byte
	err     error
	closed  bool
}

func (f *fakeSource) Poll(timeout time.Duration) ([][]byte, error) {
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		return b, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	time.Sleep(timeout)
	return nil, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

// stubRun swaps the runtime and kernel dependencies of run for fakes.
func stubRun(t *testing.T, l *fakeLauncher, src *fakeSource, sourceErr error) {
	t.Helper()

	origLauncher, origSource, origReader, origLogger := newLauncher, newSource, newCgroupReader, newLogger
	t.Cleanup(func() {
		newLauncher, newSource, newCgroupReader, newLogger = origLauncher, origSource, origReader, origLogger
	})

	newLauncher = func(*zap.SugaredLogger) (launcher, error) { return l, nil }
	newSource = func(*zap.SugaredLogger, string) (kernelSource, error) {
		if sourceErr != nil {
			return nil, sourceErr
		}
		return src, nil
	}
	missing := filepath.Join(t.TempDir(), "missing")
	newCgroupReader = func(*zap.SugaredLogger) *procfs.Reader {
		return procfs.NewTestReader(func(uint32) string { return missing }, missing)
	}
	newLogger = func(string, bool) (*zap.SugaredLogger, error) { return zap.NewNop().Sugar(), nil }
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Image:         "nginx",
		Duration:      50 * time.Millisecond,
		PollTimeout:   time.Millisecond,
		OutputPath:    filepath.Join(t.TempDir(), "stats.json"),
		ReportTimeout: time.Second,
		Policy:        "observed",
	}
}

func scenarioBatches() [][][]byte {
	records := []secmon.TraceRecord{
		secmon.NewTraceRecord(7, 99, 1, "init"),
		secmon.NewTraceRecord(7, 42, 2, "nginx"),
		secmon.NewTraceRecord(7, 1, 2, "nginx"),
		secmon.NewTraceRecord(9, 42, 3, "nginx"),
	}

	batch := make([][]byte, 0, len(records))
	for _, r := range records {
		batch = append(batch, r.Encode())
	}

	return [][][]byte{batch}
}

func TestRun(t *testing.T) {
	l := &fakeLauncher{container: &docker.Container{ID: "abc", Name: "secmonitor-nginx", PIDs: []uint32{42}}}
	src := &fakeSource{batches: scenarioBatches()}
	stubRun(t, l, src, nil)

	cfg := testConfig(t)
	cfg.RemoveContainer = true

	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &stdout))

	bts, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	require.JSONEq(t, `{"2": 2, "3": 1}`, string(bts))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[0], "COMM"))

	require.True(t, l.stopped)
	require.True(t, l.removed)
	require.True(t, src.closed)
}

func TestRunQuiet(t *testing.T) {
	l := &fakeLauncher{container: &docker.Container{ID: "abc", Name: "secmonitor-nginx", PIDs: []uint32{42}}}
	stubRun(t, l, &fakeSource{batches: scenarioBatches()}, nil)

	cfg := testConfig(t)
	cfg.Quiet = true

	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &stdout))
	require.Empty(t, stdout.String())
}

func TestRunFailuresPersistNothing(t *testing.T) {
	boom := errors.New("boom")

	cases := []struct {
		name      string
		launcher  *fakeLauncher
		source    *fakeSource
		sourceErr error
		expected  error
	}{
		{
			name:     "launch fails",
			launcher: &fakeLauncher{err: docker.ErrLifecycle},
			source:   &fakeSource{},
			expected: docker.ErrLifecycle,
		},
		{
			name:     "no candidate processes",
			launcher: &fakeLauncher{container: &docker.Container{Name: "secmonitor-nginx"}},
			source:   &fakeSource{},
			expected: secmon.ErrNoCandidates,
		},
		{
			name:      "trace program fails to load",
			launcher:  &fakeLauncher{container: &docker.Container{PIDs: []uint32{42}}},
			sourceErr: secmon.ErrTraceLoad,
			expected:  secmon.ErrTraceLoad,
		},
		{
			name:     "trace channel fails",
			launcher: &fakeLauncher{container: &docker.Container{PIDs: []uint32{42}}},
			source:   &fakeSource{batches: scenarioBatches(), err: boom},
			expected: secmon.ErrTraceRuntime,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stubRun(t, c.launcher, c.source, c.sourceErr)

			cfg := testConfig(t)

			err := run(context.Background(), cfg, &bytes.Buffer{})
			require.ErrorIs(t, err, c.expected)

			_, err = os.Stat(cfg.OutputPath)
			require.ErrorIs(t, err, os.ErrNotExist)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := &fakeLauncher{container: &docker.Container{ID: "abc", PIDs: []uint32{42}}}
	stubRun(t, l, &fakeSource{batches: scenarioBatches()}, nil)

	cfg := testConfig(t)
	cfg.Duration = 0

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, run(ctx, cfg, &bytes.Buffer{}))

	bts, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	require.JSONEq(t, `{"2": 2, "3": 1}`, string(bts))
}

func TestRunServesMetrics(t *testing.T) {
	l := &fakeLauncher{container: &docker.Container{ID: "abc", PIDs: []uint32{42}}}
	stubRun(t, l, &fakeSource{batches: scenarioBatches()}, nil)

	cfg := testConfig(t)
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.MetricsRatePerSec = 10
	cfg.MetricsRateBurst = 20

	require.NoError(t, run(context.Background(), cfg, &bytes.Buffer{}))
	require.True(t, l.stopped)

	_, err := os.Stat(cfg.OutputPath)
	require.NoError(t, err)
}

func TestRunMetricsAddrInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	l := &fakeLauncher{container: &docker.Container{ID: "abc", PIDs: []uint32{42}}}
	stubRun(t, l, &fakeSource{batches: scenarioBatches()}, nil)

	cfg := testConfig(t)
	cfg.MetricsAddr = busy.Addr().String()

	err = run(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to listen for metrics")
	require.False(t, l.launched)

	_, err = os.Stat(cfg.OutputPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRootCmdRequiresImage(t *testing.T) {
	t.Setenv("SECMON_IMAGE", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.ExecuteContext(context.Background())
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
