package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/model"
)

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSpawnJob(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	coID := model.NewID()
	body := `{"nodes":["n1","n2"],"num_procs":4,"recoverable":true,"max_restarts":2,"co_launched":["` + coID + `"],"prefix":"/opt/anvil"}`
	resp := post(t, ts.URL+"/v1/jobs", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	job := decodeBody[jobView](t, resp)
	if len(job.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(job.ID))
	}
	if !job.Live || job.State != model.JobRunning {
		t.Errorf("job = %+v, want live and running", job)
	}
	if len(job.Nodes) != 2 || job.NumProcs != 4 {
		t.Errorf("nodes = %v, num_procs = %d", job.Nodes, job.NumProcs)
	}

	desc := env.jobs.descs[0]
	if !desc.Recoverable {
		t.Error("recoverable flag not passed")
	}
	if v, ok, _ := desc.Attrs.GetInt32(attr.KeyAppMaxRestarts); !ok || v != 2 {
		t.Errorf("max restarts = %d, %v", v, ok)
	}
	if v, ok, _ := desc.Attrs.GetString(attr.KeyCoLaunchedJob); !ok || v != coID {
		t.Errorf("co-launched = %q, %v", v, ok)
	}
	if v, ok, _ := desc.Attrs.GetString(attr.KeyAppPrefixDir); !ok || v != "/opt/anvil" {
		t.Errorf("prefix = %q, %v", v, ok)
	}
}

func TestSpawnJobRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"no nodes", `{"num_procs":1}`},
		{"duplicate node", `{"nodes":["a","a"]}`},
		{"negative restarts", `{"nodes":["a"],"max_restarts":-1}`},
		{"bad co-launched id", `{"nodes":["a"],"co_launched":["nope"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			resp := post(t, ts.URL+"/v1/jobs", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			errResp := decodeBody[map[string]string](t, resp)
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestGetJobFallsBackToJournal(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx := context.Background()
	id, err := env.jobs.Spawn(ctx, model.Descriptor{Nodes: []string{"n1"}})
	if err != nil {
		t.Fatal(err)
	}
	resp := get(t, ts.URL+"/v1/jobs/"+id)
	if job := decodeBody[jobView](t, resp); !job.Live {
		t.Errorf("live job reported as journaled")
	}

	if err := env.jobs.Terminate(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := env.store.UpdateJobState(ctx, id, model.JobTerminated, "daemon on n1: lost connection"); err != nil {
		t.Fatal(err)
	}
	resp = get(t, ts.URL+"/v1/jobs/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	job := decodeBody[jobView](t, resp)
	if job.Live || job.State != model.JobTerminated || job.Error != "daemon on n1: lost connection" {
		t.Errorf("journaled job = %+v", job)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := get(t, ts.URL+"/v1/jobs/"+model.NewID())
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx := context.Background()
	var ids []string
	for range 3 {
		id, err := env.jobs.Spawn(ctx, model.Descriptor{Nodes: []string{"n1"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	if err := env.jobs.Terminate(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query     string
		wantLen   int
		wantLimit int
	}{
		{"", 3, defaultListLimit},
		{"?limit=2", 2, 2},
		{"?limit=2&offset=2", 1, 2},
		{"?limit=500", 3, defaultListLimit},
		{"?offset=-1", 3, defaultListLimit},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := get(t, ts.URL+"/v1/jobs"+tt.query)
			list := decodeBody[listJobsResponse](t, resp)
			if len(list.Jobs) != tt.wantLen || list.Total != 3 || list.Limit != tt.wantLimit {
				t.Errorf("list = %d jobs, total %d, limit %d", len(list.Jobs), list.Total, list.Limit)
			}
		})
	}

	resp := get(t, ts.URL+"/v1/jobs")
	live := 0
	for _, j := range decodeBody[listJobsResponse](t, resp).Jobs {
		if j.Live {
			live++
		}
	}
	if live != 2 {
		t.Errorf("live jobs = %d, want 2", live)
	}
}

func TestTerminateJob(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id, _ := env.jobs.Spawn(context.Background(), model.Descriptor{Nodes: []string{"n1"}})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs/"+id, nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second terminate status = %d, want 404", resp2.StatusCode)
	}
}

func TestSignalJob(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id, _ := env.jobs.Spawn(context.Background(), model.Descriptor{Nodes: []string{"n1"}})

	tests := []struct {
		body string
		want int
	}{
		{`{"signal":"SIGTERM"}`, http.StatusAccepted},
		{`{"signal":"usr1"}`, http.StatusAccepted},
		{`{"signal":"9"}`, http.StatusAccepted},
		{`{"signal":"SIGBOGUS"}`, http.StatusBadRequest},
		{`{"signal":""}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp := post(t, ts.URL+"/v1/jobs/"+id+"/signal", tt.body)
		if resp.StatusCode != tt.want {
			t.Errorf("signal %s: status = %d, want %d", tt.body, resp.StatusCode, tt.want)
		}
	}
	want := []syscall.Signal{syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGKILL}
	if len(env.jobs.signals) != len(want) {
		t.Fatalf("signals = %v, want %v", env.jobs.signals, want)
	}
	for i := range want {
		if env.jobs.signals[i] != want[i] {
			t.Errorf("signals[%d] = %v, want %v", i, env.jobs.signals[i], want[i])
		}
	}

	if resp := post(t, ts.URL+"/v1/jobs/"+model.NewID()+"/signal", `{"signal":"TERM"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}
}

func TestKillProcs(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	id, _ := env.jobs.Spawn(context.Background(), model.Descriptor{Nodes: []string{"n1"}, NumProcs: 4})

	if resp := post(t, ts.URL+"/v1/jobs/"+id+"/kill", `{"ranks":[1,3]}`); resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if len(env.jobs.killed) != 2 || env.jobs.killed[1] != 3 {
		t.Errorf("killed = %v", env.jobs.killed)
	}
	if resp := post(t, ts.URL+"/v1/jobs/"+id+"/kill", `{"ranks":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty ranks status = %d, want 400", resp.StatusCode)
	}
}

func TestRestartJob(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx := context.Background()
	id, _ := env.jobs.Spawn(ctx, model.Descriptor{Nodes: []string{"n1", "n2"}})
	_ = env.jobs.Terminate(ctx, id)

	resp := post(t, ts.URL+"/v1/jobs/"+id+"/restart", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	job := decodeBody[jobView](t, resp)
	if job.ID != id || !job.Live || len(job.Nodes) != 2 {
		t.Errorf("restarted job = %+v", job)
	}
	if last := env.jobs.descs[len(env.jobs.descs)-1]; !last.Restart || last.ID != id {
		t.Errorf("restart descriptor = %+v", last)
	}

	if resp := post(t, ts.URL+"/v1/jobs/"+model.NewID()+"/restart", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown restart status = %d, want 404", resp.StatusCode)
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    syscall.Signal
		wantErr bool
	}{
		{"SIGINT", syscall.SIGINT, false},
		{"int", syscall.SIGINT, false},
		{"15", syscall.SIGTERM, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"NOPE", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSignal(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSignal(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSignal(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriteStatusErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.writeStatusError(rec, tt.err, "op")
		if rec.Code != tt.want {
			t.Errorf("writeStatusError(%v) = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}
