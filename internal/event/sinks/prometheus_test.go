package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

// TestPrometheusSinkRecordsMetrics ensures counters and gauges follow events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []event.Event{
		{Name: event.CrawlerStart, TS: now},
		{Name: event.CrawlerRunThreadBegin, TS: now},
		{Name: event.CrawlerRunThreadBegin, TS: now},
		{Name: event.DocumentProcessed, TS: now, State: "NEW"},
		{Name: event.DocumentProcessed, TS: now, State: "NEW"},
		{Name: event.DocumentProcessed, TS: now},
		{Name: event.RejectedError, TS: now, Error: "boom"},
		{Name: event.RejectedRobotsTxt, TS: now, Reference: "https://example.com/private"},
		{Name: event.OrphansQueued, TS: now, Count: 3},
		{Name: event.CrawlerRunThreadEnd, TS: now},
		{Name: event.CrawlerEnd, TS: now, Dur: 90 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.documents.WithLabelValues("NEW")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.documents.WithLabelValues("unknown")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rejections.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rejections.WithLabelValues("robots")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.threadsRunning))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.orphansQueued))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.events.WithLabelValues(string(event.DocumentProcessed))))
	require.Equal(t, 1, testutil.CollectAndCount(sink.crawlDuration, "gridcrawler_crawl_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "collectors register once per registry")
}
