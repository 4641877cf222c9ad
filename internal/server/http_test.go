package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelbroker/internal/bench"
	"modelbroker/internal/budget"
	"modelbroker/internal/chooser"
	"modelbroker/internal/diag"
	"modelbroker/internal/dispatch"
	"modelbroker/internal/kv"
	"modelbroker/internal/perf"
	"modelbroker/internal/registry"
)

func newTestServer(t *testing.T, cfg *Config) (*Server, *budget.Store, *diag.Ring) {
	t.Helper()
	status := kv.NewMemoryStore()
	reg := registry.Build(registry.HeuristicOracle{})
	perfStore := perf.NewStore(kv.NewMemoryStore())
	benchStore := bench.NewStore(kv.NewMemoryStore())
	bud := budget.NewStore(status)
	ring := diag.NewRing(16)
	queue := dispatch.New(nil)

	ch := chooser.New(reg, perfStore, benchStore, status, nil)
	handler := NewHandler(ch, bud, queue, ring, reg, "test")
	return New(handler, cfg, prometheus.NewRegistry()), bud, ring
}

func do(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestChooseEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodPost, "/v1/choose",
		`{"candidates":["gpt-5:standard","gpt-5-nano:standard"],"policy":"cheapest"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dec chooser.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	assert.Equal(t, "gpt-5-nano:standard", dec.ChosenKey)
	assert.Equal(t, chooser.ReasonOK, dec.Reason)
}

func TestChooseRequiresCandidates(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodPost, "/v1/choose", `{"policy":"cheapest"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailabilityEndpoint(t *testing.T) {
	srv, bud, _ := newTestServer(t, nil)

	bud.MarkRateLimited(context.Background(), "gpt-5:standard", 30*time.Second)

	rec := do(srv, http.MethodGet, "/v1/availability?model=gpt-5:standard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Model        string              `json:"model"`
		Availability budget.Availability `json:"availability"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "gpt-5:standard", out.Model)
	assert.False(t, out.Availability.Available, "cooldown forces unavailable")
}

func TestAvailabilityUnknownModel(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/v1/availability?model=nope:standard", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAvailabilityRequiresModel(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/v1/availability", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/v1/queue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":0`)
}

func TestDiagnosticsEndpoint(t *testing.T) {
	srv, _, ring := newTestServer(t, nil)
	ring.Warn("budget", "cooldown set", map[string]string{"spec": "gpt-5:standard"})

	rec := do(srv, http.MethodGet, "/v1/diagnostics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cooldown set")
}

func TestModelsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gpt-5-mini")
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, &Config{MasterKey: "secret", MetricsEnabled: true})

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"health is public", "/health", nil, http.StatusOK},
		{"metrics is public", "/metrics", nil, http.StatusOK},
		{"missing header", "/v1/queue", nil, http.StatusUnauthorized},
		{"wrong scheme", "/v1/queue", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"wrong key", "/v1/queue", map[string]string{"Authorization": "Bearer wrong"}, http.StatusUnauthorized},
		{"valid key", "/v1/queue", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(srv, http.MethodGet, tt.path, "", tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &Config{MetricsEnabled: true})

	rec := do(srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
