package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tcassar-diss/secmon/internal/logger"
	"github.com/tcassar-diss/secmon/internal/procfs"
)

func main() {
	cmd := &cobra.Command{
		Use:          "cgroups <pid>...",
		Short:        "Print the cgroup path and id of each pid, as secmon would match them",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Must("warn", true)
			defer log.Sync()

			reader := procfs.NewReader(log)

			fmt.Fprintf(cmd.OutOrStdout(), "%10s %20s  %s\n", "PID", "CGROUP_ID", "CGROUP")

			for _, arg := range args {
				pid, err := strconv.ParseUint(arg, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid pid %q: %w", arg, err)
				}

				path, err := reader.CgroupPath(uint32(pid))
				if err != nil {
					log.Errorw("failed to read cgroup", "pid", pid, "err", err)
					continue
				}

				id, err := reader.CgroupID(uint32(pid))
				if err != nil {
					log.Warnw("failed to resolve cgroup id", "pid", pid, "err", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%10d %20d  %s\n", pid, id, path)
			}

			return nil
		},
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
