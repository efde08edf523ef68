// testserver starts an anvil head node whose daemons run in-process, for
// E2E testing. Node names pick daemon behaviour: "down-*" nodes exit
// without reporting, "silent-*" nodes never report and "flaky-*" nodes drop
// their first connection.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/headnode"
	"github.com/seantiz/anvil/internal/launch/ssh"
)

// faults drops each flaky node's connection once.
type faults struct {
	mu      sync.Mutex
	dropped map[string]bool
}

func (f *faults) pick(node string) daemon.Fault {
	switch {
	case strings.HasPrefix(node, "down-"):
		return daemon.FaultExit
	case strings.HasPrefix(node, "silent-"):
		return daemon.FaultSilent
	case strings.HasPrefix(node, "flaky-"):
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.dropped[node] {
			return daemon.FaultNone
		}
		f.dropped[node] = true
		return daemon.FaultDrop
	}
	return daemon.FaultNone
}

func main() {
	env := map[string]string{
		"ANVIL_DB_PATH":        ":memory:",
		"ANVIL_OOB_ADDR":       "127.0.0.1:0",
		"ANVIL_REPORT_TIMEOUT": "2s",
		"ANVIL_LISTEN_ADDR":    ":8080",
	}
	for _, k := range []string{"ANVIL_LISTEN_ADDR", "ANVIL_LOG_LEVEL"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	cfg, err := config.LoadFrom(env)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	f := &faults{dropped: make(map[string]bool)}
	h, err := headnode.New(cfg, headnode.Options{
		Mechanism: &daemon.Mechanism{
			Faults:    f.pick,
			DropAfter: 500 * time.Millisecond,
			Heartbeat: time.Second,
			Logger:    logger,
		},
		Launchers:   []headnode.LaunchDescriptor{ssh.Descriptor},
		Environment: map[string]string{},
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("head node: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("testserver: starting", "listen_addr", cfg.ListenAddr, "hnp_uri", h.HNPURI())
	if err := h.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
