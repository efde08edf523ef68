package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/anvil/internal/backend"
)

// selectLauncher registers and selects a no-op launch module named name.
func selectLauncher(t *testing.T, env *testEnv, name string) {
	t.Helper()
	err := env.reg.Register(backend.Descriptor{
		Name:       name,
		Capability: backend.Launch,
		Priority:   10,
		Query: func(p int) (backend.Module, int, error) {
			return fixedStat{}, p, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.reg.Select(backend.Launch); err != nil {
		t.Fatal(err)
	}
}

func TestHealthzReportsLauncher(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	body := decodeBody[healthResponse](t, get(t, ts.URL+"/healthz"))
	if body.Status != "ok" || body.Launcher != "" {
		t.Errorf("health without launcher = %+v", body)
	}

	selectLauncher(t, env, "ssh")
	body = decodeBody[healthResponse](t, get(t, ts.URL+"/healthz"))
	if body.Status != "ok" || body.Launcher != "ssh" {
		t.Errorf("health = %+v, want ok with ssh", body)
	}
}

func TestListBackendsByCapability(t *testing.T) {
	env := newTestEnv(t)
	selectLauncher(t, env, "ssh")
	if err := env.reg.Register(backend.Descriptor{
		Name:       "fixed",
		Capability: backend.Stat,
		Priority:   1,
		Query:      func(p int) (backend.Module, int, error) { return fixedStat{}, p, nil },
	}); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	tests := []struct {
		query string
		want  []string
		code  int
	}{
		{"", []string{"ssh", "fixed"}, http.StatusOK},
		{"?capability=launch", []string{"ssh"}, http.StatusOK},
		{"?capability=stat", []string{"fixed"}, http.StatusOK},
		{"?capability=propagate", nil, http.StatusOK},
		{"?capability=gpu", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := get(t, ts.URL+"/v1/backends"+tt.query)
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			if tt.code != http.StatusOK {
				resp.Body.Close()
				return
			}
			var names []string
			for _, info := range decodeBody[[]backend.Info](t, resp) {
				names = append(names, info.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("backends = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	get(t, ts.URL+"/healthz").Body.Close()

	resp := get(t, ts.URL+"/metrics")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", ct)
	}

	b, _ := io.ReadAll(resp.Body)
	for _, name := range []string{
		"anvil_http_requests_total",
		"anvil_http_request_duration_seconds",
		"anvil_http_requests_in_flight",
		"anvil_event_streams_active",
		`path="/healthz"`,
	} {
		if !strings.Contains(string(b), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
