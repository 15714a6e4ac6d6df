// Package collyfetcher fetches crawl references over HTTP with gocolly and
// extracts the links of HTML pages.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration

	// RobotsFallback applies when robots.txt keeps timing out.
	RobotsFallback RobotsFallback
}

// Request is one fetch.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is what a fetch returned. Error statuses are reported here rather
// than as errors. A reference refused by robots.txt comes back with its
// RobotsStatus alongside ErrRobotsDisallowed.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Links        []string
	Duration     time.Duration
	RobotsStatus RobotsStatus
	RobotsReason string
}

// ContentType returns the response media type without parameters.
func (r Response) ContentType() string {
	ct := r.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// Fetcher fetches references with a Colly collector. Collectors are built per
// fetch because clones share their HTTP client; the transport is shared.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	robotsBackoff []time.Duration
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport across fetches.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg, transport: newHTTPTransport(), robotsBackoff: defaultRobotsBackoff}
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, request Request) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector, guard := f.buildCollector(request, start, &result, &fetchErr)
	err := runCollector(ctx, collector, request.URL, &fetchErr)
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		result = Response{URL: request.URL, Duration: time.Since(start)}
		guard.apply(&result, true)
		return result, fmt.Errorf("%w: %s", ErrRobotsDisallowed, request.URL)
	}
	if err != nil {
		return Response{}, err
	}
	guard.apply(&result, false)
	return result, nil
}

func (f *Fetcher) buildCollector(
	request Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) (*colly.Collector, *robotsGuard) {
	collector := colly.NewCollector(colly.Async(false))
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var guard *robotsGuard
	if f.cfg.RespectRobots {
		guard = newRobotsGuard(f.transport, f.cfg.RobotsFallback, f.robotsBackoff)
		collector.WithTransport(guard)
	} else {
		collector.WithTransport(f.transport)
	}
	configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, guard
}

func configureCollectorHooks(
	hooks collectorHooks,
	request Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})
	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
			result.Links = append(result.Links, link)
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request Request, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
