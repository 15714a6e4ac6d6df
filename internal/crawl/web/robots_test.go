package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/event"
	collyfetcher "github.com/JakeFAU/gridcrawler/internal/fetcher/colly"
	gridmemory "github.com/JakeFAU/gridcrawler/internal/grid/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) Fire(evt event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) named(name event.Name) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func TestUpsertRejectsReferenceDisallowedByRobots(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /private")
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprint(w, `<a href="/next">next</a>`)
		}
	}))
	t.Cleanup(srv.Close)

	events := &eventLog{}
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	l, err := ledger.Open(gridmemory.New(), "robots", nil)
	require.NoError(t, err)
	p, err := New(Config{MaxDepth: -1, Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}, Options{
		Fetcher: collyfetcher.New(collyfetcher.Config{RespectRobots: true, Timeout: 5 * time.Second}),
		Ledger:  l,
		Events:  events,
		Metrics: m,
	})
	require.NoError(t, err)

	d := doc(srv.URL + "/private")
	require.NoError(t, p.Upsert(context.Background(), d))
	assert.Equal(t, ledger.StateRejected, d.State)
	assert.Equal(t, []string{string(collyfetcher.RobotsDisallowed)}, d.Metadata[MetaRobots])
	assert.Empty(t, queued(t, l), "links of refused pages are not followed")

	rejected := events.named(event.RejectedRobotsTxt)
	require.Len(t, rejected, 1)
	assert.Equal(t, d.Reference, rejected[0].Reference)
	assert.Equal(t, string(ledger.StateRejected), rejected[0].State)
	assert.NotEmpty(t, rejected[0].Error)
	assert.InDelta(t, 1, testutil.ToFloat64(m.robots.WithLabelValues("disallowed")), 0)

	open := doc(srv.URL + "/open")
	require.NoError(t, p.Upsert(context.Background(), open))
	assert.Equal(t, ledger.StateNew, open.State)
	assert.NotContains(t, open.Metadata, MetaRobots)
	assert.Contains(t, queued(t, l), srv.URL+"/next")
}

type robotsFetcher struct {
	status collyfetcher.RobotsStatus
}

func (f robotsFetcher) Fetch(_ context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	return collyfetcher.Response{
		URL:          req.URL,
		StatusCode:   http.StatusOK,
		Body:         []byte("ok"),
		RobotsStatus: f.status,
		RobotsReason: "i/o timeout",
	}, nil
}

func TestUpsertFlagsDocumentsFetchedWithoutRobots(t *testing.T) {
	t.Parallel()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	l, err := ledger.Open(gridmemory.New(), "robots", nil)
	require.NoError(t, err)
	p, err := New(Config{}, Options{
		Fetcher: robotsFetcher{status: collyfetcher.RobotsUnreachable},
		Ledger:  l,
		Metrics: m,
	})
	require.NoError(t, err)

	d := doc("https://example.com/")
	require.NoError(t, p.Upsert(context.Background(), d))
	assert.Equal(t, ledger.StateNew, d.State)
	assert.Equal(t, []string{"unreachable"}, d.Metadata[MetaRobots])
	assert.InDelta(t, 1, testutil.ToFloat64(m.robots.WithLabelValues("unreachable")), 0)
}
