package web

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	collyfetcher "github.com/JakeFAU/gridcrawler/internal/fetcher/colly"
)

// Metrics instruments fetches. A nil *Metrics records nothing.
type Metrics struct {
	fetches   *prometheus.CounterVec
	duration  prometheus.Histogram
	robots    *prometheus.CounterVec
	RateDelay *prometheus.HistogramVec
}

// NewMetrics registers the fetch collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcrawler_fetches_total",
			Help: "HTTP fetches by status class.",
		}, []string{"class"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridcrawler_fetch_duration_seconds",
			Help:    "Time to fetch one reference.",
			Buckets: prometheus.DefBuckets,
		}),
		robots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcrawler_robots_outcomes_total",
			Help: "Fetches refused by robots.txt or made without reaching it.",
		}, []string{"outcome"}),
		RateDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridcrawler_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-host rate limits.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
	}
	for _, c := range []prometheus.Collector{m.fetches, m.duration, m.robots, m.RateDelay} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeFetch(resp collyfetcher.Response) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(strconv.Itoa(resp.StatusCode/100) + "xx").Inc()
	m.duration.Observe(resp.Duration.Seconds())
	m.observeRobots(resp.RobotsStatus)
}

func (m *Metrics) observeRobots(status collyfetcher.RobotsStatus) {
	if m == nil {
		return
	}
	switch status {
	case collyfetcher.RobotsDisallowed, collyfetcher.RobotsUnreachable:
		m.robots.WithLabelValues(string(status)).Inc()
	}
}
