package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/daemon"
)

func newDaemonCommand() *cobra.Command {
	var (
		cfg    daemon.Config
		vpid   uint32
		prefix string
		level  string
	)
	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run a compute-node daemon (started by the head node)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg.Logger = config.NewLogger(os.Stderr, config.ParseLogLevel(level)).With("job_id", cfg.Job)

			// srun starts every daemon with the same argv.
			if id := os.Getenv("SLURM_PROCID"); id != "" {
				off, err := strconv.ParseUint(id, 10, 32)
				if err != nil {
					return fmt.Errorf("SLURM_PROCID %q: %w", id, err)
				}
				vpid += uint32(off)
			}
			cfg.Vpid = vpid
			if cfg.Node == "" {
				cfg.Node = os.Getenv("SLURMD_NODENAME")
			}
			if prefix != "" {
				// Processes started by the daemon resolve binaries from the prefix first.
				path := filepath.Join(prefix, "bin") + string(os.PathListSeparator) + os.Getenv("PATH")
				if err := os.Setenv("PATH", path); err != nil {
					return fmt.Errorf("set PATH: %w", err)
				}
			}
			return daemon.Run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Job, "job", "", "job id")
	cmd.Flags().Uint32Var(&vpid, "vpid", 0, "daemon vpid (offset by SLURM_PROCID)")
	cmd.Flags().StringVar(&cfg.HNP, "hnp", "", "head node URI")
	cmd.Flags().StringVar(&cfg.Node, "node", "", "node name (defaults to SLURMD_NODENAME or the hostname)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "install prefix on the node")
	cmd.Flags().DurationVar(&cfg.Heartbeat, "heartbeat", daemon.DefaultHeartbeat, "heartbeat interval")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}
