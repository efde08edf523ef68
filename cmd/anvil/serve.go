package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/headnode"
)

func newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the head node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides ANVIL_LISTEN_ADDR)")
	return cmd
}

func runServe(cmdCtx context.Context, cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := config.NewLogger(os.Stdout, cfg.Level())

	lock := flock.New(cfg.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another anvil head node is already running")
	}
	defer func() { _ = lock.Unlock() }()

	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"oob_network", cfg.OOBNetwork,
		"oob_addr", cfg.OOBAddr,
	)

	h, err := headnode.New(cfg, headnode.Options{Logger: logger})
	if err != nil {
		return err
	}
	logger.Info("daemon contact uri", "hnp_uri", h.HNPURI())

	if err := h.Run(ctx); err != nil {
		return fmt.Errorf("head node: %w", err)
	}
	logger.Info("anvil: stopped")
	return nil
}
