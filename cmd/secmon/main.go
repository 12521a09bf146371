package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcassar-diss/secmon/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags struct {
		duration      time.Duration
		pollTimeout   time.Duration
		output        string
		reportURL     string
		reportTimeout time.Duration
		bpfObject     string
		policy        string
		metricsAddr   string
		logLevel      string
		development   bool
		rm            bool
		quiet         bool
	}

	rootCmd := &cobra.Command{
		Use:   "secmon",
		Short: "Count the syscalls made by a freshly launched container",
	}

	runCmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Launch a container from image and count its syscalls until interrupted",
		Long: `secmon run starts a container from a local image, attaches an eBPF program to the
sys_enter raw tracepoint and counts the syscalls made from the container's cgroup.

The cgroup is found by waiting for a syscall from one of the pids the container
reported at startup. Counts are written to --output when the run ends.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}

			if len(args) == 1 {
				cfg.Image = args[0]
			}

			fs := cmd.Flags()
			if fs.Changed("duration") {
				cfg.Duration = flags.duration
			}
			if fs.Changed("poll-timeout") {
				cfg.PollTimeout = flags.pollTimeout
			}
			if fs.Changed("output") {
				cfg.OutputPath = flags.output
			}
			if fs.Changed("report-url") {
				cfg.ReportURL = flags.reportURL
			}
			if fs.Changed("report-timeout") {
				cfg.ReportTimeout = flags.reportTimeout
			}
			if fs.Changed("bpf-object") {
				cfg.BPFObjectPath = flags.bpfObject
			}
			if fs.Changed("policy") {
				cfg.Policy = flags.policy
			}
			if fs.Changed("metrics-addr") {
				cfg.MetricsAddr = flags.metricsAddr
			}
			if fs.Changed("log-level") {
				cfg.LogLevel = flags.logLevel
			}
			if fs.Changed("development") {
				cfg.Development = flags.development
			}
			if fs.Changed("rm") {
				cfg.RemoveContainer = flags.rm
			}
			if fs.Changed("quiet") {
				cfg.Quiet = flags.quiet
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := runCmd.Flags()
	f.DurationVar(&flags.duration, "duration", 0, "Stop after this long (e.g. 30s); 0 runs until interrupted")
	f.DurationVar(&flags.pollTimeout, "poll-timeout", 100*time.Millisecond, "How long each poll of the trace buffer may wait")
	f.StringVarP(&flags.output, "output", "o", "secmonitor-stats.json", "Where to write the syscall counts")
	f.StringVar(&flags.reportURL, "report-url", "", "Also POST the syscall counts to this URL")
	f.DurationVar(&flags.reportTimeout, "report-timeout", 10*time.Second, "Timeout for --report-url")
	f.StringVar(&flags.bpfObject, "bpf-object", "bpf/secmon.bpf.o", "Compiled kernel program")
	f.StringVar(&flags.policy, "policy", "observed", "Correlation policy: observed or strict")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	f.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error, fatal)")
	f.BoolVar(&flags.development, "development", false, "Human readable logs")
	f.BoolVar(&flags.rm, "rm", false, "Remove the container when monitoring ends")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "Do not print a line per syscall")

	rootCmd.AddCommand(runCmd)

	return rootCmd
}
