package oob

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/launch/launchtest"
	"github.com/seantiz/anvil/internal/status"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Message{Type: MsgKill, Job: "j1", Vpid: 2, Ranks: []uint32{0, 3}}
	if err := WriteMessage(&buf, &in); err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Errorf("length prefix = %d, payload = %d", got, buf.Len()-4)
	}
	var out Message
	if err := ReadMessage(&buf, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != in.Type || out.Job != in.Job || out.Vpid != in.Vpid || len(out.Ranks) != 2 || out.Ranks[1] != 3 {
		t.Errorf("round trip = %+v", out)
	}
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(MaxMessageSize+1))
	var m Message
	err := ReadMessage(&buf, &m)
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("ReadMessage = %v, want size error", err)
	}
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(10))
	buf.WriteString("{}")
	var m Message
	if err := ReadMessage(&buf, &m); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadMessage = %v, want ErrUnexpectedEOF", err)
	}
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    Endpoint
		wantErr bool
	}{
		{"tcp://127.0.0.1:7070", Endpoint{NetworkTCP, "127.0.0.1:7070"}, false},
		{"unix:///run/anvil.sock", Endpoint{NetworkUnix, "/run/anvil.sock"}, false},
		{"vsock://2:5000", Endpoint{NetworkVsock, "2:5000"}, false},
		{"vsock://2", Endpoint{}, true},
		{"vsock://x:5000", Endpoint{}, true},
		{"tcp://", Endpoint{}, true},
		{"http://host:80", Endpoint{}, true},
		{"::bad", Endpoint{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			if tt.wantErr {
				if !errors.Is(err, status.ErrBadParam) {
					t.Errorf("ParseURI(%q) err = %v, want ErrBadParam", tt.uri, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURI(%q): %v", tt.uri, err)
			}
			if got != tt.want {
				t.Errorf("ParseURI(%q) = %+v, want %+v", tt.uri, got, tt.want)
			}
			if got.String() != tt.uri {
				t.Errorf("String() = %q, want %q", got.String(), tt.uri)
			}
		})
	}
}

func newTestServer(t *testing.T, heartbeat time.Duration) (*Server, *launchtest.Notifier, string) {
	t.Helper()
	l, err := Listen(NetworkTCP, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	n := launchtest.NewNotifier()
	s := NewServer(l, n, heartbeat, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return s, n, "tcp://" + s.Addr().String()
}

func hello(t *testing.T, uri, job, node string, vpid uint32) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), uri)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Send(Message{Type: MsgHello, Job: job, Node: node, Vpid: vpid}); err != nil {
		t.Fatal(err)
	}
	ack, err := c.Receive()
	if err != nil || ack.Type != MsgAck || ack.Error != "" {
		t.Fatalf("hello ack = %+v, %v", ack, err)
	}
	return c
}

func next(t *testing.T, n *launchtest.Notifier) launchtest.Notification {
	t.Helper()
	select {
	case got := <-n.C:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return launchtest.Notification{}
	}
}

func expect(t *testing.T, n *launchtest.Notifier, code status.Code, node string) launchtest.Notification {
	t.Helper()
	got := next(t, n)
	if got.Code != code {
		t.Fatalf("notification = %s, want %s", got.Code, code)
	}
	if name, _, _ := got.Info.GetString(attr.KeyProcNode); name != node {
		t.Errorf("node = %q, want %q", name, node)
	}
	return got
}

func TestServerReportAndExit(t *testing.T) {
	s, n, uri := newTestServer(t, time.Second)
	c := hello(t, uri, "j1", "n1", 4)

	got := expect(t, n, status.DaemonReported, "n1")
	if got.Source.Job != "j1" || got.Source.Rank != 4 {
		t.Errorf("source = %s", got.Source)
	}
	if vpid, _, _ := got.Info.GetUint32(attr.KeyDaemonVpid); vpid != 4 {
		t.Errorf("vpid = %d", vpid)
	}
	if conn := s.Connected("j1"); len(conn) != 1 || conn[0] != "n1" {
		t.Errorf("Connected = %v", conn)
	}

	if err := s.ExitDaemons("j1", nil); err != nil {
		t.Fatal(err)
	}
	msg, err := c.Receive()
	if err != nil || msg.Type != MsgExit {
		t.Fatalf("exit = %+v, %v", msg, err)
	}
	c.Close()
	expect(t, n, status.ProcTerminated, "n1")
}

func TestServerCommands(t *testing.T) {
	s, n, uri := newTestServer(t, time.Second)
	c := hello(t, uri, "j1", "n1", 1)
	expect(t, n, status.DaemonReported, "n1")

	if err := s.SignalDaemons("j1", []string{"n1"}, syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	msg, err := c.Receive()
	if err != nil || msg.Type != MsgSignal || msg.Signal != int(syscall.SIGTERM) {
		t.Fatalf("signal = %+v, %v", msg, err)
	}

	if err := s.KillProcs("j1", []attr.ProcName{{Job: "j1", Rank: 2}}); err != nil {
		t.Fatal(err)
	}
	msg, err = c.Receive()
	if err != nil || msg.Type != MsgKill || len(msg.Ranks) != 1 || msg.Ranks[0] != 2 {
		t.Fatalf("kill = %+v, %v", msg, err)
	}

	if err := s.SignalDaemons("j1", []string{"n9"}, syscall.SIGTERM); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("SignalDaemons unknown node = %v, want ErrNotFound", err)
	}
	if err := s.ExitDaemons("other", nil); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("ExitDaemons unknown job = %v, want ErrNotFound", err)
	}
}

func TestServerHeartbeatTimeout(t *testing.T) {
	_, n, uri := newTestServer(t, 100*time.Millisecond)
	_ = hello(t, uri, "j1", "n1", 1)
	expect(t, n, status.DaemonReported, "n1")

	got := expect(t, n, status.LostConnection, "n1")
	if _, ok := got.Info.Lookup(attr.KeyEventDetail); !ok {
		t.Error("lost connection without detail")
	}
}

func TestServerHeartbeatKeepsAlive(t *testing.T) {
	_, n, uri := newTestServer(t, 150*time.Millisecond)
	c := hello(t, uri, "j1", "n1", 1)
	expect(t, n, status.DaemonReported, "n1")

	for range 5 {
		time.Sleep(50 * time.Millisecond)
		if err := c.Send(Message{Type: MsgHeartbeat}); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case got := <-n.C:
		t.Fatalf("unexpected notification %s", got.Code)
	default:
	}
}

func TestServerReplacedPeerIsSilent(t *testing.T) {
	s, n, uri := newTestServer(t, time.Second)
	old := hello(t, uri, "j1", "n1", 1)
	expect(t, n, status.DaemonReported, "n1")

	_ = hello(t, uri, "j1", "n1", 3)
	got := expect(t, n, status.DaemonReported, "n1")
	if vpid, _, _ := got.Info.GetUint32(attr.KeyDaemonVpid); vpid != 3 {
		t.Errorf("relaunched vpid = %d, want 3", vpid)
	}

	// The old connection is dropped by the server.
	if _, err := old.Receive(); err == nil {
		t.Error("old connection still open")
	}
	select {
	case got := <-n.C:
		t.Errorf("replaced peer notified %s", got.Code)
	case <-time.After(100 * time.Millisecond):
	}
	if conn := s.Connected("j1"); len(conn) != 1 {
		t.Errorf("Connected = %v", conn)
	}
}

func TestServerInvalidHello(t *testing.T) {
	_, n, uri := newTestServer(t, time.Second)
	c, err := Dial(context.Background(), uri)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Send(Message{Type: MsgHello, Job: "j1"}); err != nil {
		t.Fatal(err)
	}
	ack, err := c.Receive()
	if err != nil || ack.Type != MsgAck || ack.Error == "" {
		t.Fatalf("ack = %+v, %v", ack, err)
	}
	select {
	case got := <-n.C:
		t.Errorf("invalid hello notified %s", got.Code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, "tcp://"+addr); err == nil {
		t.Fatal("Dial to closed port succeeded")
	}
}

func TestAdvertiseURI(t *testing.T) {
	l, err := Listen(NetworkTCP, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	uri, err := AdvertiseURI(l)
	if err != nil {
		t.Fatal(err)
	}
	if uri != "tcp://"+l.Addr().String() {
		t.Errorf("AdvertiseURI = %q", uri)
	}
	if _, err := ParseURI(uri); err != nil {
		t.Errorf("advertised uri does not parse: %v", err)
	}

	path := t.TempDir() + "/oob.sock"
	ul, err := Listen(NetworkUnix, path)
	if err != nil {
		t.Fatal(err)
	}
	defer ul.Close()
	if uri, _ := AdvertiseURI(ul); uri != "unix://"+path {
		t.Errorf("AdvertiseURI unix = %q", uri)
	}
}
