package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gridcrawler/internal/event"
)

// PrometheusSink turns events into crawler metrics.
type PrometheusSink struct {
	events         *prometheus.CounterVec
	documents      *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	threadsRunning prometheus.Gauge
	crawlsRunning  prometheus.Gauge
	crawlDuration  prometheus.Histogram
	orphansQueued  prometheus.Counter
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcrawler_events_total",
			Help: "Crawler events partitioned by name.",
		}, []string{"event"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcrawler_documents_processed_total",
			Help: "Documents finalized partitioned by state.",
		}, []string{"state"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcrawler_documents_rejected_total",
			Help: "Documents rejected partitioned by reason.",
		}, []string{"reason"}),
		threadsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridcrawler_crawl_threads_running",
			Help: "Crawl threads currently running on this node.",
		}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridcrawler_crawls_running",
			Help: "Crawl sessions currently running.",
		}),
		crawlDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridcrawler_crawl_duration_seconds",
			Help:    "Wall time per crawl session.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
		}),
		orphansQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridcrawler_orphans_queued_total",
			Help: "Cached references queued again as orphans.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.events, s.documents, s.rejections, s.threadsRunning, s.crawlsRunning, s.crawlDuration, s.orphansQueued,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []event.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Name)).Inc()
		switch evt.Name {
		case event.CrawlerStart:
			s.crawlsRunning.Inc()
		case event.CrawlerEnd:
			s.crawlsRunning.Dec()
			if evt.Dur > 0 {
				s.crawlDuration.Observe(evt.Dur.Seconds())
			}
		case event.CrawlerRunThreadBegin:
			s.threadsRunning.Inc()
		case event.CrawlerRunThreadEnd:
			s.threadsRunning.Dec()
		case event.DocumentProcessed, event.DocumentDeleted:
			state := evt.State
			if state == "" {
				state = "unknown"
			}
			s.documents.WithLabelValues(state).Inc()
		case event.RejectedError:
			s.rejections.WithLabelValues("error").Inc()
		case event.RejectedDuplicate:
			s.rejections.WithLabelValues("duplicate").Inc()
		case event.RejectedRobotsTxt:
			s.rejections.WithLabelValues("robots").Inc()
		case event.OrphansQueued:
			s.orphansQueued.Add(float64(evt.Count))
		}
	}
	return nil
}

// Close does nothing.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
