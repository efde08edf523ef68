// Package daemon is the per-node helper started by a launch backend. It
// dials back to the head node, reports in and stays connected until told
// to exit.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/oob"
	"github.com/seantiz/anvil/internal/status"
)

// DefaultHeartbeat is the interval between heartbeats.
const DefaultHeartbeat = 10 * time.Second

// Config identifies the daemon and tells it where to report.
type Config struct {
	HNP       string
	Job       string
	Vpid      uint32
	Node      string
	Heartbeat time.Duration

	// OnSignal and OnKill act on the node's application processes. Nil
	// handlers acknowledge without doing anything.
	OnSignal func(sig syscall.Signal) error
	OnKill   func(ranks []uint32) error

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.HNP == "" || c.Job == "" {
		return fmt.Errorf("daemon needs an hnp uri and a job id: %w", status.ErrBadParam)
	}
	if c.Node == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve node name: %w", err)
		}
		c.Node = host
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Run reports to the head node and serves its commands. It returns nil
// when the head node asks the daemon to exit, and an error when the
// connection fails or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	logger := cfg.Logger.With("job_id", cfg.Job, "vpid", cfg.Vpid, "node", cfg.Node)

	conn, err := oob.Dial(ctx, cfg.HNP)
	if err != nil {
		return fmt.Errorf("report to %s: %w", cfg.HNP, err)
	}
	defer conn.Close()

	if err := conn.Send(oob.Message{Type: oob.MsgHello, Job: cfg.Job, Vpid: cfg.Vpid, Node: cfg.Node}); err != nil {
		return err
	}
	reply, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("await hello ack: %w", err)
	}
	if reply.Type != oob.MsgAck || reply.Error != "" {
		return fmt.Errorf("head node rejected daemon: %s: %w", reply.Error, status.ErrBadParam)
	}
	logger.Info("daemon reported", "hnp", cfg.HNP)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go heartbeat(conn, cfg.Heartbeat, done, logger)

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("head node connection: %v: %w", err, status.ErrLostConnection)
		}

		switch msg.Type {
		case oob.MsgExit:
			logger.Info("exit requested")
			_ = conn.Send(oob.Message{Type: oob.MsgAck, Job: cfg.Job, Vpid: cfg.Vpid})
			return nil
		case oob.MsgSignal:
			var err error
			if cfg.OnSignal != nil {
				err = cfg.OnSignal(syscall.Signal(msg.Signal))
			}
			logger.Info("signal requested", "signal", msg.Signal, "error", err)
			ack(conn, cfg, err)
		case oob.MsgKill:
			var err error
			if cfg.OnKill != nil {
				err = cfg.OnKill(msg.Ranks)
			}
			logger.Info("kill requested", "ranks", msg.Ranks, "error", err)
			ack(conn, cfg, err)
		default:
			logger.Warn("unexpected head node message", "type", msg.Type)
		}
	}
}

func ack(conn *oob.Conn, cfg Config, err error) {
	m := oob.Message{Type: oob.MsgAck, Job: cfg.Job, Vpid: cfg.Vpid}
	if err != nil {
		m.Error = err.Error()
	}
	if serr := conn.Send(m); serr != nil && !errors.Is(serr, os.ErrClosed) {
		cfg.Logger.Debug("ack failed", "error", serr)
	}
}

func heartbeat(conn *oob.Conn, every time.Duration, done <-chan struct{}, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.Send(oob.Message{Type: oob.MsgHeartbeat}); err != nil {
				logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}
