package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid/cluster"
	"github.com/JakeFAU/gridcrawler/internal/grid/pipeline"
	"github.com/JakeFAU/gridcrawler/internal/grid/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

type fakeMembers struct {
	coordinator string
	err         error
}

func (f *fakeMembers) Self() string       { return "node-a" }
func (f *fakeMembers) Role() cluster.Role { return cluster.Coordinator }
func (f *fakeMembers) Coordinator(context.Context) (string, error) {
	return f.coordinator, f.err
}
func (f *fakeMembers) Members(context.Context) ([]string, error) {
	return []string{"node-a", "node-b"}, nil
}

type fakePipelines struct {
	mu      sync.Mutex
	stopped []string
	stopErr error
}

func (f *fakePipelines) Status(_ context.Context, name string) (pipeline.Status, error) {
	return pipeline.Status{Name: name, State: pipeline.Active, Stage: "crawl"}, nil
}

func (f *fakePipelines) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return f.stopErr
}

type testEnv struct {
	server    *Server
	ledger    *ledger.Ledger
	members   *fakeMembers
	pipelines *fakePipelines
}

func newTestEnv(t *testing.T, cfg Config) testEnv {
	t.Helper()
	l, err := ledger.Open(memory.New(), "site", nil)
	require.NoError(t, err)
	if cfg.Pipeline == "" {
		cfg.Pipeline = "crawl"
	}
	env := testEnv{ledger: l, members: &fakeMembers{coordinator: "node-a"}, pipelines: &fakePipelines{}}
	env.server, err = NewServer(env.members, env.pipelines, l, prometheus.NewRegistry(), cfg, zap.NewNop())
	require.NoError(t, err)
	return env
}

func (e testEnv) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz").Code)
	rec := env.do(http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "node-a")

	env.members.err = errors.New("no live nodes")
	require.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/readyz").Code)
}

func TestServer_StatusReportsPipelineAndLedger(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	for _, ref := range []string{"a", "b"} {
		_, err := env.ledger.Queue(ctx, ledger.DocContext{Reference: ref})
		require.NoError(t, err)
	}
	require.NoError(t, env.ledger.Processed(ctx, ledger.DocContext{Reference: "c", State: ledger.StateNew}))

	rec := env.do(http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "node-a", body.Node)
	assert.Equal(t, cluster.Coordinator.String(), body.Role)
	assert.Equal(t, []string{"node-a", "node-b"}, body.Members)
	assert.Equal(t, pipeline.Active, body.Pipeline.State)
	assert.Equal(t, ledger.Counts{Queued: 2, Processed: 1}, body.Documents)
}

func TestServer_StopPipeline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	require.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/pipeline/stop").Code)
	assert.Equal(t, []string{"crawl"}, env.pipelines.stopped)

	env.pipelines.stopErr = errors.New("coordinator gone")
	require.Equal(t, http.StatusInternalServerError, env.do(http.MethodPost, "/v1/pipeline/stop").Code)
	require.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodGet, "/v1/pipeline/stop").Code)
}

func TestServer_ListDocumentsPages(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	for _, ref := range []string{"a", "b", "c", "d"} {
		_, err := env.ledger.Queue(context.Background(), ledger.DocContext{Reference: ref})
		require.NoError(t, err)
	}

	rec := env.do(http.MethodGet, "/v1/documents/queued?limit=2&offset=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Documents []ledger.DocContext `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Documents, 2)
	assert.Equal(t, "b", body.Documents[0].Reference)
	assert.Equal(t, "c", body.Documents[1].Reference)

	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/documents/lost").Code)
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/documents/queued?limit=0").Code)
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/documents/queued?offset=-1").Code)
}

func TestServer_LookupReference(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.ledger.Processed(ctx, ledger.DocContext{Reference: "done", State: ledger.StateModified}))
	_, err := env.ledger.Queue(ctx, ledger.DocContext{Reference: "waiting"})
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/v1/reference?ref=done")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"PROCESSED"`)
	assert.Contains(t, rec.Body.String(), `"state":"MODIFIED"`)

	rec = env.do(http.MethodGet, "/v1/reference?ref=waiting")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "document")

	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/reference?ref=nope").Code)
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/reference").Code)
}

func TestServer_MetricsExposeRequestLatency(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	env.do(http.MethodGet, "/healthz")

	rec := env.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `gridcrawler_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"} 1`),
		rec.Body.String())
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/healthz").Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz?api_key=secret").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()
	rec := newTestEnv(t, Config{}).do(http.MethodGet, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddlewareReturns500(t *testing.T) {
	t.Parallel()
	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
