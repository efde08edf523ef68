package oob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

// DefaultHeartbeatTimeout is how long a daemon may stay silent before it is
// considered lost.
const DefaultHeartbeatTimeout = 30 * time.Second

const helloTimeout = 10 * time.Second

// peer is one connected daemon.
type peer struct {
	conn    *Conn
	job     string
	node    string
	vpid    uint32
	exiting atomic.Bool

	// replaced is set when a relaunched daemon took over the node; the
	// old connection then ends without a notification.
	replaced atomic.Bool
}

// Server accepts daemon connections and turns their lifecycle into bus
// notifications. It implements launch.Commander.
type Server struct {
	listener         net.Listener
	notifier         launch.Notifier
	logger           *slog.Logger
	heartbeatTimeout time.Duration

	mu     sync.Mutex
	peers  map[string]map[string]*peer // job -> node -> peer
	closed bool
	wg     sync.WaitGroup
}

// Compile-time interface satisfaction check.
var _ launch.Commander = (*Server)(nil)

// NewServer creates a server on l. A zero heartbeat timeout selects
// DefaultHeartbeatTimeout.
func NewServer(l net.Listener, n launch.Notifier, heartbeatTimeout time.Duration, logger *slog.Logger) *Server {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Server{
		listener:         l,
		notifier:         n,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		peers:            make(map[string]map[string]*peer),
	}
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Go(func() { s.handle(NewConn(conn)) })
	}
}

// Close stops accepting, drops every daemon connection and waits for the
// connection handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var conns []*Conn
	for _, nodes := range s.peers {
		for _, p := range nodes {
			p.exiting.Store(true)
			conns = append(conns, p.conn)
		}
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(conn *Conn) {
	defer conn.Close()

	_ = conn.Raw().SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := conn.Receive()
	if err != nil {
		s.logger.Warn("daemon hello failed", "remote", conn.Raw().RemoteAddr().String(), "error", err)
		return
	}
	if hello.Type != MsgHello || hello.Job == "" || hello.Node == "" {
		s.logger.Warn("invalid daemon hello", "type", hello.Type, "job_id", hello.Job, "node", hello.Node)
		_ = conn.Send(Message{Type: MsgAck, Error: "expected hello with job and node"})
		return
	}

	p := &peer{conn: conn, job: hello.Job, node: hello.Node, vpid: hello.Vpid}
	if !s.add(p) {
		return
	}
	defer s.remove(p)
	_ = conn.Send(Message{Type: MsgAck, Job: p.job, Vpid: p.vpid})

	s.logger.Info("daemon reported", "job_id", p.job, "node", p.node, "vpid", p.vpid)
	s.notify(status.DaemonReported, p, "")

	for {
		_ = conn.Raw().SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		msg, err := conn.Receive()
		if err != nil {
			switch {
			case p.replaced.Load():
				s.logger.Debug("replaced daemon connection closed", "job_id", p.job, "node", p.node)
			case p.exiting.Load():
				s.logger.Debug("daemon exited", "job_id", p.job, "node", p.node)
				s.notify(status.ProcTerminated, p, "")
			default:
				s.logger.Warn("daemon connection lost", "job_id", p.job, "node", p.node, "error", err)
				s.notify(status.LostConnection, p, err.Error())
			}
			return
		}
		switch msg.Type {
		case MsgHeartbeat:
		case MsgAck:
			if msg.Error != "" {
				s.logger.Warn("daemon command failed", "job_id", p.job, "node", p.node, "error", msg.Error)
			}
		default:
			s.logger.Warn("unexpected daemon message", "job_id", p.job, "node", p.node, "type", msg.Type)
		}
	}
}

func (s *Server) add(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	nodes, ok := s.peers[p.job]
	if !ok {
		nodes = make(map[string]*peer)
		s.peers[p.job] = nodes
	}
	if old, ok := nodes[p.node]; ok {
		old.replaced.Store(true)
		old.conn.Close()
	}
	nodes[p.node] = p
	return true
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := s.peers[p.job]
	if nodes[p.node] == p {
		delete(nodes, p.node)
	}
	if len(nodes) == 0 {
		delete(s.peers, p.job)
	}
}

func (s *Server) notify(code status.Code, p *peer, detail string) {
	var info attr.Collection
	_ = info.Set(attr.KeyJobID, false, p.job, attr.TypeString)
	_ = info.Set(attr.KeyProcNode, false, p.node, attr.TypeString)
	_ = info.Set(attr.KeyDaemonVpid, false, p.vpid, attr.TypeUint32)
	if detail != "" {
		_ = info.Set(attr.KeyEventDetail, false, detail, attr.TypeString)
	}
	s.notifier.Notify(code, model.ProcName{Job: p.job, Rank: p.vpid}, info, nil)
}

// targets returns the connected daemons of jobID on nodes, or all of them
// when nodes is nil.
func (s *Server) targets(jobID string, nodes []string) ([]*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*peer
	for name, p := range s.peers[jobID] {
		if nodes == nil || slices.Contains(nodes, name) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("daemons of job %s: %w", jobID, status.ErrNotFound)
	}
	return out, nil
}

func (s *Server) send(peers []*peer, m Message) error {
	var errs []error
	for _, p := range peers {
		if err := p.conn.Send(m); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", p.node, err))
		}
	}
	return errors.Join(errs...)
}

// ExitDaemons asks daemons to exit. Their disconnect is then reported as
// ProcTerminated instead of LostConnection.
func (s *Server) ExitDaemons(jobID string, nodes []string) error {
	peers, err := s.targets(jobID, nodes)
	if err != nil {
		return err
	}
	for _, p := range peers {
		p.exiting.Store(true)
	}
	return s.send(peers, Message{Type: MsgExit, Job: jobID})
}

// SignalDaemons forwards sig to daemons.
func (s *Server) SignalDaemons(jobID string, nodes []string, sig syscall.Signal) error {
	peers, err := s.targets(jobID, nodes)
	if err != nil {
		return err
	}
	return s.send(peers, Message{Type: MsgSignal, Job: jobID, Signal: int(sig)})
}

// KillProcs asks every daemon of the job to kill the listed ranks it hosts.
func (s *Server) KillProcs(jobID string, procs []model.ProcName) error {
	peers, err := s.targets(jobID, nil)
	if err != nil {
		return err
	}
	ranks := make([]uint32, len(procs))
	for i, p := range procs {
		ranks[i] = p.Rank
	}
	return s.send(peers, Message{Type: MsgKill, Job: jobID, Ranks: ranks})
}

// Connected returns the node names of the connected daemons of jobID.
func (s *Server) Connected(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.peers[jobID] {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
