package headnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/launch"
	"github.com/seantiz/anvil/internal/launch/ssh"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

type jobBody struct {
	ID       string         `json:"id"`
	State    model.JobState `json:"state"`
	Live     bool           `json:"live"`
	Error    string         `json:"error"`
	Restarts int            `json:"restarts"`
	Daemons  []model.Daemon `json:"daemons"`
}

type testNode struct {
	url  string
	h    *HeadNode
	done chan error
}

func start(t *testing.T, faults func(string) daemon.Fault) *testNode {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{
		"ANVIL_DB_PATH":           ":memory:",
		"ANVIL_OOB_ADDR":          "127.0.0.1:0",
		"ANVIL_REPORT_TIMEOUT":    "300ms",
		"ANVIL_HEARTBEAT_TIMEOUT": "2s",
	})
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(cfg, Options{
		Mechanism:   &daemon.Mechanism{Faults: faults, DropAfter: 100 * time.Millisecond, Heartbeat: 200 * time.Millisecond, Logger: logger},
		Launchers:   []LaunchDescriptor{ssh.Descriptor},
		Environment: map[string]string{},
		Logger:      logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(h.HNPURI(), "tcp://127.0.0.1:") {
		t.Errorf("HNPURI = %q", h.HNPURI())
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &testNode{url: "http://" + l.Addr().String(), h: h, done: make(chan error, 1)}
	go func() { n.done <- h.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-n.done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("head node did not stop")
		}
	})
	return n
}

func (n *testNode) spawn(t *testing.T, body string) string {
	t.Helper()
	resp, err := http.Post(n.url+"/v1/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("spawn status = %d: %s", resp.StatusCode, b)
	}
	var job jobBody
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	return job.ID
}

func (n *testNode) get(t *testing.T, id string) jobBody {
	t.Helper()
	resp, err := http.Get(n.url + "/v1/jobs/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var job jobBody
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	return job
}

func (n *testNode) waitState(t *testing.T, id string, want model.JobState) jobBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job := n.get(t, id)
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s state = %s, want %s", id, job.State, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestJobLifecycle(t *testing.T) {
	n := start(t, nil)
	id := n.spawn(t, `{"nodes":["n1","n2"],"num_procs":4}`)

	job := n.waitState(t, id, model.JobRunning)
	if len(job.Daemons) != 2 || job.Daemons[0].Vpid != 1 || job.Daemons[1].Vpid != 2 {
		t.Errorf("daemons = %+v", job.Daemons)
	}

	req, _ := http.NewRequest(http.MethodDelete, n.url+"/v1/jobs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(n.url + "/v1/jobs/" + id + "/wait?timeout=5s")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var w struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&w)
	if resp.StatusCode != http.StatusOK || w.Error != "" {
		t.Errorf("wait = %d %+v", resp.StatusCode, w)
	}

	job = n.waitState(t, id, model.JobTerminated)
	if job.Live || job.Error != "" {
		t.Errorf("terminated job = %+v", job)
	}
}

func TestDaemonExitFailsJob(t *testing.T) {
	n := start(t, func(node string) daemon.Fault {
		if node == "down" {
			return daemon.FaultExit
		}
		return daemon.FaultNone
	})
	id := n.spawn(t, `{"nodes":["n1","down"]}`)

	job := n.waitState(t, id, model.JobFailedToStart)
	if !strings.Contains(job.Error, "down") {
		t.Errorf("error = %q, want failed node named", job.Error)
	}
}

func TestSilentDaemonTimesOut(t *testing.T) {
	n := start(t, func(node string) daemon.Fault {
		if node == "quiet" {
			return daemon.FaultSilent
		}
		return daemon.FaultNone
	})
	id := n.spawn(t, `{"nodes":["quiet"]}`)

	job := n.waitState(t, id, model.JobFailedToStart)
	if !strings.Contains(job.Error, "failed to report") {
		t.Errorf("error = %q, want report timeout", job.Error)
	}
}

func TestRecoverableJobRelaunches(t *testing.T) {
	var drops atomic.Int32
	n := start(t, func(node string) daemon.Fault {
		// Only the first daemon on flaky drops; its relaunch stays up.
		if node == "flaky" && drops.Add(1) == 1 {
			return daemon.FaultDrop
		}
		return daemon.FaultNone
	})
	id := n.spawn(t, `{"nodes":["n1","flaky"],"recoverable":true}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		job := n.get(t, id)
		if job.Restarts == 1 && job.State == model.JobRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job = %+v, want running after one restart", job)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type misconfigured struct{}

func (misconfigured) Init() error     { return errors.New("agent not configured") }
func (misconfigured) Finalize() error { return nil }

func misconfiguredLauncher(launch.Env) (backend.Descriptor, error) {
	return backend.Descriptor{
		Name:       "misconfigured",
		Capability: backend.Launch,
		Priority:   100,
		Query: func(priority int) (backend.Module, int, error) {
			return misconfigured{}, priority, nil
		},
	}, nil
}

func TestServeFailsWhenLauncherInitFails(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"ANVIL_DB_PATH":  ":memory:",
		"ANVIL_OOB_ADDR": "127.0.0.1:0",
	})
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(cfg, Options{
		Mechanism:   &daemon.Mechanism{},
		Launchers:   []LaunchDescriptor{misconfiguredLauncher},
		Environment: map[string]string{},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), l) }()
	select {
	case err := <-done:
		if !errors.Is(err, status.ErrFailedToStart) {
			t.Errorf("Serve = %v, want ErrFailedToStart", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept running with a broken launcher")
	}
}

func TestServeToleratesMissingLauncher(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"ANVIL_DB_PATH":  ":memory:",
		"ANVIL_OOB_ADDR": "127.0.0.1:0",
	})
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(cfg, Options{
		Mechanism:   &daemon.Mechanism{},
		Launchers:   []LaunchDescriptor{},
		Environment: map[string]string{},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, l) }()
	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
}
