package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/event"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/status"
)

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx := context.Background()
	id, _ := env.jobs.Spawn(ctx, model.Descriptor{Nodes: []string{"n1"}})

	resp := get(t, ts.URL+"/v1/jobs/"+id+"/events")
	if got := decodeBody[listEventsResponse](t, resp); got.Events == nil || len(got.Events) != 0 {
		t.Errorf("events = %v, want empty list", got.Events)
	}

	for i, code := range []status.Code{status.DaemonReported, status.JobTerminated} {
		err := env.store.InsertEvent(ctx, model.EventRecord{
			ID:        model.NewID(),
			JobID:     id,
			Code:      code.String(),
			Source:    "[" + id + ",1]",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	resp = get(t, ts.URL+"/v1/jobs/"+id+"/events")
	got := decodeBody[listEventsResponse](t, resp)
	if got.JobID != id || len(got.Events) != 2 || got.Events[1].Code != status.JobTerminated.String() {
		t.Errorf("events = %+v", got)
	}

	if resp := get(t, ts.URL+"/v1/jobs/"+model.NewID()+"/events"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id, _ := env.jobs.Spawn(context.Background(), model.Descriptor{Nodes: []string{"n1"}})

	resp := get(t, ts.URL+"/v1/jobs/"+id+"/stream")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The handler subscribes before writing headers, so records published
	// now reach the stream.
	env.broker.Publish(id, event.Record{ID: "e1", Code: status.DaemonReported, JobID: id, Source: attr.ProcName{Job: id, Rank: 1}})
	env.broker.Close(id)

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	out := strings.Join(lines, "\n")
	if !strings.Contains(out, "event: daemon_reported") || !strings.Contains(out, `"id":"e1"`) {
		t.Errorf("stream missing record:\n%s", out)
	}
	if !strings.Contains(out, "event: done") {
		t.Errorf("stream missing done event:\n%s", out)
	}
}

func TestStreamReclaimedJob(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx := context.Background()
	id, _ := env.jobs.Spawn(ctx, model.Descriptor{Nodes: []string{"n1"}})
	_ = env.jobs.Terminate(ctx, id)

	done := make(chan string, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/v1/jobs/" + id + "/stream")
		if err != nil {
			done <- err.Error()
			return
		}
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		var b strings.Builder
		for sc.Scan() {
			b.WriteString(sc.Text() + "\n")
		}
		done <- b.String()
	}()

	select {
	case out := <-done:
		if !strings.Contains(out, "event: done") {
			t.Errorf("stream = %q, want immediate done", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream of reclaimed job did not end")
	}
}

func TestWaitJob(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ok, failed := model.NewID(), model.NewID()
	env.waiter.results[ok] = pending.Result{}
	env.waiter.results[failed] = pending.Result{Status: errors.New("job " + failed + ": lost connection")}

	resp := get(t, ts.URL+"/v1/jobs/"+ok+"/wait")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decodeBody[waitResponse](t, resp); got.JobID != ok || got.Error != "" {
		t.Errorf("wait = %+v", got)
	}

	resp = get(t, ts.URL+"/v1/jobs/"+failed+"/wait")
	if got := decodeBody[waitResponse](t, resp); !strings.Contains(got.Error, "lost connection") {
		t.Errorf("wait = %+v, want cause", got)
	}

	if resp := get(t, ts.URL+"/v1/jobs/"+model.NewID()+"/wait"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/v1/jobs/"+ok+"/wait?timeout=soon"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad timeout status = %d, want 400", resp.StatusCode)
	}
}

func TestWaitJobTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.waiter.block = true
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := get(t, ts.URL+"/v1/jobs/"+model.NewID()+"/wait?timeout=50ms")
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Errorf("status = %d, want 408", resp.StatusCode)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.srv.waiter = nil
	env.srv.streams = nil
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	for _, path := range []string{"/wait", "/stream"} {
		if resp := get(t, ts.URL+"/v1/jobs/x"+path); resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("%s status = %d, want 501", path, resp.StatusCode)
		}
	}
}
