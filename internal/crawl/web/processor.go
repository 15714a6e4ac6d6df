// Package web processes crawl references by fetching them over HTTP. Pages
// are checksummed, deduplicated and stored, and their links are queued.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/blob"
	"github.com/JakeFAU/gridcrawler/internal/checksum"
	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/crawl"
	"github.com/JakeFAU/gridcrawler/internal/dedup"
	"github.com/JakeFAU/gridcrawler/internal/event"
	collyfetcher "github.com/JakeFAU/gridcrawler/internal/fetcher/colly"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

var (
	// ErrFetch wraps transport failures.
	ErrFetch = errors.New("web: fetch failed")
	// ErrBadStatus wraps HTTP error statuses.
	ErrBadStatus = errors.New("web: bad status")
)

// Metadata keys set from response headers.
const (
	MetaContentType  = "content-type"
	MetaETag         = "etag"
	MetaLastModified = "last-modified"
	MetaStatus       = "status"
	MetaBlobURI      = "blob-uri"
	// MetaRobots is set when robots.txt could not be read and the fetch went
	// ahead under the allow fallback.
	MetaRobots = "robots"
)

// Fetcher retrieves one reference.
type Fetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// Limiter delays requests to busy hosts.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config bounds link following.
type Config struct {
	Crawler string
	Node    string
	// MaxDepth stops link extraction past this depth. Negative is unlimited.
	MaxDepth int
	// SameHost drops links to hosts other than the linking page's.
	SameHost bool
	// BlobPrefix prefixes stored document paths.
	BlobPrefix string
	Headers    http.Header
	// BlockedHosts are never queued. Patterns are exact hosts or
	// "*.example.com" suffixes.
	BlockedHosts []string
	// Retry governs refetching after transport errors. The zero value
	// fetches once.
	Retry RetryPolicy
}

// Options wires the processor's collaborators. Fetcher and Ledger are
// required; the rest are optional.
type Options struct {
	Fetcher         Fetcher
	Limiter         Limiter
	Ledger          *ledger.Ledger
	Dedup           *dedup.Service
	MetaChecksummer checksum.Checksummer
	DocChecksummer  checksum.Checksummer
	Store           blob.Store
	Events          event.Firer
	Metrics         *Metrics
	Tracer          trace.Tracer
	Logger          *zap.Logger
}

// Processor is a crawl.Processor for HTTP references.
type Processor struct {
	cfg     Config
	opts    Options
	blocked *hostBlocklist
}

var _ crawl.Processor = (*Processor)(nil)

// New builds a Processor.
func New(cfg Config, opts Options) (*Processor, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("web: fetcher is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("web: ledger is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = event.Discard
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/JakeFAU/gridcrawler/internal/crawl/web")
	}
	return &Processor{cfg: cfg, opts: opts, blocked: newHostBlocklist(cfg.BlockedHosts)}, nil
}

// Upsert fetches the document and decides its state. Unmodified documents
// stop early and their links are not followed.
func (p *Processor) Upsert(ctx context.Context, doc *crawl.Doc) error {
	ctx, span := p.opts.Tracer.Start(ctx, "web.Upsert", trace.WithAttributes(
		attribute.String("crawl.reference", doc.Reference),
		attribute.Int("crawl.depth", doc.Depth),
		attribute.Bool("crawl.new", doc.IsNew()),
	))
	defer span.End()

	err := p.upsert(ctx, doc)
	span.SetAttributes(attribute.String("crawl.state", string(doc.State)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Processor) upsert(ctx context.Context, doc *crawl.Doc) error {
	resp, err := p.fetch(ctx, doc.Reference)
	if errors.Is(err, collyfetcher.ErrRobotsDisallowed) {
		p.rejectByRobots(doc, resp, err)
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) && !doc.IsNew():
		p.opts.Logger.Debug("previously crawled document is gone",
			zap.String("reference", doc.Reference), zap.Int("status", resp.StatusCode))
		return p.Delete(ctx, doc)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s returned %d", ErrBadStatus, doc.Reference, resp.StatusCode)
	}

	doc.ContentType = resp.ContentType()
	doc.Metadata = headerMetadata(resp)
	if resp.RobotsStatus == collyfetcher.RobotsUnreachable {
		doc.Metadata[MetaRobots] = []string{string(resp.RobotsStatus)}
	}

	if done, err := p.checkMetadata(ctx, doc); done || err != nil {
		return err
	}
	if err := p.queueLinks(ctx, doc, resp.Links); err != nil {
		return err
	}
	if done, err := p.checkContent(ctx, doc, resp.Body); done || err != nil {
		return err
	}

	doc.State = ledger.StateModified
	if doc.IsNew() {
		doc.State = ledger.StateNew
	}
	return p.store(ctx, doc, resp.Body)
}

// fetch waits on the host limiter before every attempt.
func (p *Processor) fetch(ctx context.Context, ref string) (collyfetcher.Response, error) {
	for attempt := 1; ; attempt++ {
		if p.opts.Limiter != nil {
			if err := p.opts.Limiter.Wait(ctx, ref); err != nil {
				return collyfetcher.Response{}, err
			}
		}
		resp, err := p.opts.Fetcher.Fetch(ctx, collyfetcher.Request{URL: ref, Headers: p.cfg.Headers})
		if err == nil {
			p.opts.Metrics.observeFetch(resp)
			return resp, nil
		}
		if errors.Is(err, collyfetcher.ErrRobotsDisallowed) {
			p.opts.Metrics.observeRobots(resp.RobotsStatus)
			return resp, err
		}
		if !p.cfg.Retry.ShouldRetry(err, attempt) {
			return resp, fmt.Errorf("%w: %s: %w", ErrFetch, ref, err)
		}
		wait := p.cfg.Retry.Backoff(attempt)
		p.opts.Logger.Debug("retrying fetch", zap.String("reference", ref),
			zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if serr := system.Sleep(ctx, wait); serr != nil {
			return resp, fmt.Errorf("%w: %s: %w", ErrFetch, ref, err)
		}
	}
}

// rejectByRobots finishes a document robots.txt refused. It is recorded as
// REJECTED and its links are never followed.
func (p *Processor) rejectByRobots(doc *crawl.Doc, resp collyfetcher.Response, err error) {
	doc.State = ledger.StateRejected
	doc.Metadata = map[string][]string{MetaRobots: {string(resp.RobotsStatus)}}
	p.opts.Logger.Debug("robots.txt refused reference",
		zap.String("reference", doc.Reference), zap.String("robots", string(resp.RobotsStatus)))
	p.opts.Events.Fire(event.Event{
		Name:      event.RejectedRobotsTxt,
		Node:      p.cfg.Node,
		Crawler:   p.cfg.Crawler,
		Reference: doc.Reference,
		State:     string(doc.State),
		Note:      resp.RobotsReason,
	}.WithError(err))
}

// Delete marks the document DELETED. Stored bodies are kept.
func (p *Processor) Delete(_ context.Context, doc *crawl.Doc) error {
	doc.State = ledger.StateDeleted
	return nil
}

func (p *Processor) checkMetadata(ctx context.Context, doc *crawl.Doc) (bool, error) {
	if p.opts.MetaChecksummer == nil {
		return false, nil
	}
	sum, err := p.opts.MetaChecksummer.Checksum(doc.DocContext, nil)
	if err != nil {
		return false, fmt.Errorf("metadata checksum %s: %w", doc.Reference, err)
	}
	doc.MetaChecksum = sum
	if sum != "" && doc.Cached != nil && doc.Cached.MetaChecksum == sum {
		doc.State = ledger.StateUnmodified
		return true, nil
	}
	if p.opts.Dedup == nil {
		return false, nil
	}
	first, dup, err := p.opts.Dedup.FindOrTrackMetadata(ctx, doc.DocContext)
	if err != nil {
		return false, err
	}
	if dup {
		return false, fmt.Errorf("%w: metadata of %s matches %s", crawl.ErrDuplicate, doc.Reference, first)
	}
	return false, nil
}

func (p *Processor) checkContent(ctx context.Context, doc *crawl.Doc, body []byte) (bool, error) {
	if p.opts.DocChecksummer == nil {
		return false, nil
	}
	sum, err := p.opts.DocChecksummer.Checksum(doc.DocContext, body)
	if err != nil {
		return false, fmt.Errorf("content checksum %s: %w", doc.Reference, err)
	}
	doc.ContentChecksum = sum
	if sum != "" && doc.Cached != nil && doc.Cached.ContentChecksum == sum {
		doc.State = ledger.StateUnmodified
		return true, nil
	}
	if p.opts.Dedup == nil {
		return false, nil
	}
	first, dup, err := p.opts.Dedup.FindOrTrackDocument(ctx, doc.DocContext)
	if err != nil {
		return false, err
	}
	if dup {
		return false, fmt.Errorf("%w: content of %s matches %s", crawl.ErrDuplicate, doc.Reference, first)
	}
	return false, nil
}

func (p *Processor) queueLinks(ctx context.Context, doc *crawl.Doc, links []string) error {
	if p.cfg.MaxDepth >= 0 && doc.Depth >= p.cfg.MaxDepth {
		return nil
	}
	base, _ := url.Parse(doc.Reference)
	seen := make(map[string]struct{}, len(links))
	for _, link := range links {
		ref, ok := normalize(base, link, p.cfg.SameHost)
		if !ok || p.blocked.Blocked(hostname(ref)) {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		added, err := p.opts.Ledger.Queue(ctx, ledger.DocContext{
			Reference:       ref,
			ParentReference: doc.Reference,
			Depth:           doc.Depth + 1,
		})
		if err != nil {
			return fmt.Errorf("queue link %s: %w", ref, err)
		}
		if added {
			p.opts.Events.Fire(event.Event{
				Name:      event.DocumentQueued,
				Node:      p.cfg.Node,
				Crawler:   p.cfg.Crawler,
				Reference: ref,
				Note:      doc.Reference,
			})
		}
	}
	return nil
}

func (p *Processor) store(ctx context.Context, doc *crawl.Doc, body []byte) error {
	if p.opts.Store == nil || len(body) == 0 {
		return nil
	}
	uri, err := p.opts.Store.PutObject(ctx, p.blobPath(doc.Reference), doc.ContentType, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("store %s: %w", doc.Reference, err)
	}
	doc.Metadata[MetaBlobURI] = []string{uri}
	return nil
}

func (p *Processor) blobPath(ref string) string {
	host := "unknown"
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		host = u.Host
	}
	name := strconv.FormatUint(xxh3.HashString(ref), 16)
	if p.cfg.BlobPrefix == "" {
		return host + "/" + name
	}
	return strings.TrimSuffix(p.cfg.BlobPrefix, "/") + "/" + host + "/" + name
}

func hostname(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func headerMetadata(resp collyfetcher.Response) map[string][]string {
	md := map[string][]string{MetaStatus: {strconv.Itoa(resp.StatusCode)}}
	for key, header := range map[string]string{
		MetaContentType:  "Content-Type",
		MetaETag:         "ETag",
		MetaLastModified: "Last-Modified",
	} {
		if v := resp.Headers.Get(header); v != "" {
			md[key] = []string{v}
		}
	}
	return md
}

// normalize resolves link against base and keeps http(s) only. The scheme
// and host are lowercased, default ports and fragments dropped, and query
// parameters sorted so equivalent links share one reference.
func normalize(base *url.URL, link string, sameHost bool) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Host = canonicalHost(u.Scheme, u.Host)
	if sameHost && base != nil && u.Host != canonicalHost(base.Scheme, base.Host) {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), true
}

func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	switch {
	case scheme == "http":
		return strings.TrimSuffix(host, ":80")
	case scheme == "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}
