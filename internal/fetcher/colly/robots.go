package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/gridcrawler/internal/clock/system"
)

// RobotsStatus is what robots.txt decided for a fetch.
type RobotsStatus string

// Robots statuses.
const (
	RobotsUnchecked   RobotsStatus = ""
	RobotsAllowed     RobotsStatus = "allowed"
	RobotsDisallowed  RobotsStatus = "disallowed"
	RobotsUnreachable RobotsStatus = "unreachable"
)

// RobotsFallback is what an unreachable robots.txt permits.
type RobotsFallback string

// Fallbacks for an unreachable robots.txt.
const (
	RobotsFallbackAllow RobotsFallback = "allow"
	RobotsFallbackDeny  RobotsFallback = "deny"
)

// ParseRobotsFallback maps a configuration value to a fallback. Empty means
// allow.
func ParseRobotsFallback(s string) (RobotsFallback, error) {
	switch f := RobotsFallback(strings.ToLower(strings.TrimSpace(s))); f {
	case "", RobotsFallbackAllow:
		return RobotsFallbackAllow, nil
	case RobotsFallbackDeny:
		return f, nil
	}
	return "", fmt.Errorf("unknown robots fallback %q", s)
}

// ErrRobotsDisallowed is returned by Fetch when robots.txt excludes the
// reference, or is unreachable under the deny fallback.
var ErrRobotsDisallowed = errors.New("robots.txt disallows reference")

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard is the transport of one fetch. It retries robots.txt lookups
// that time out, answers with the fallback policy once retries run out, and
// remembers how the lookup went.
type robotsGuard struct {
	base     http.RoundTripper
	fallback RobotsFallback
	backoff  []time.Duration

	mu          sync.Mutex
	checked     bool
	unreachable bool
	reason      string
}

func newRobotsGuard(base http.RoundTripper, fallback RobotsFallback, backoff []time.Duration) *robotsGuard {
	if fallback == "" {
		fallback = RobotsFallbackAllow
	}
	return &robotsGuard{base: base, fallback: fallback, backoff: backoff}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := g.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
		}
		return resp, nil
	}
	return g.lookup(req)
}

func (g *robotsGuard) lookup(req *http.Request) (*http.Response, error) {
	g.mu.Lock()
	g.checked = true
	g.mu.Unlock()

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
		lastErr = err
		if attempt >= len(g.backoff) {
			break
		}
		if err := system.Sleep(req.Context(), g.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt backoff: %w", err)
		}
	}

	g.mu.Lock()
	g.unreachable = true
	g.reason = lastErr.Error()
	g.mu.Unlock()
	return policyResponse(req, g.fallback), nil
}

// apply records the robots outcome on resp. blocked is true when the
// collector refused the reference.
func (g *robotsGuard) apply(resp *Response, blocked bool) {
	if g == nil || resp == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.unreachable:
		resp.RobotsStatus = RobotsUnreachable
		resp.RobotsReason = g.reason
	case blocked:
		resp.RobotsStatus = RobotsDisallowed
	case g.checked:
		resp.RobotsStatus = RobotsAllowed
	}
}

// policyResponse stands in for a robots.txt that could not be fetched.
func policyResponse(req *http.Request, fallback RobotsFallback) *http.Response {
	body := "User-agent: *\nAllow: /"
	if fallback == RobotsFallbackDeny {
		body = "User-agent: *\nDisallow: /"
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
