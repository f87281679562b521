package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/l0p7/wishmeta/internal/logging"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 2 << 20
	DefaultUserAgent    = "Mozilla/5.0 (compatible; wishmeta/1.0)"

	maxRedirects = 5
)

// Config wires an HTTPExtractor.
type Config struct {
	UserAgent    string
	MaxBodyBytes int64
	// Timeout applies when a call does not carry its own.
	Timeout           time.Duration
	AllowPrivateHosts bool
	Retailers         RetailerLookup
	Client            *http.Client
	Logger            *slog.Logger
	Now               func() time.Time
}

// HTTPExtractor fetches a page over HTTP and reads product metadata from its
// OpenGraph tags, JSON-LD and, optionally, plain HTML.
type HTTPExtractor struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	timeout   time.Duration
	retailers RetailerLookup
	logger    *slog.Logger
	now       func() time.Time
}

// NewHTTPExtractor applies defaults to cfg. Redirects are re-validated so a
// public URL cannot bounce the fetch onto a private address, and unless
// private hosts are allowed every dial is checked against the resolved IP.
func NewHTTPExtractor(cfg Config) *HTTPExtractor {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	validator := Validator{AllowPrivateHosts: cfg.AllowPrivateHosts}
	guarded := *client
	if !cfg.AllowPrivateHosts {
		guarded.Transport = publicOnlyTransport(client.Transport)
	}
	guarded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if res := validator.Validate(req.URL.String()); !res.Valid {
			return fmt.Errorf("redirect to %s rejected: %s", req.URL.Redacted(), res.Error)
		}
		return nil
	}
	return &HTTPExtractor{
		client:    &guarded,
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		timeout:   cfg.Timeout,
		retailers: cfg.Retailers,
		logger:    cfg.Logger.With(slog.String("agent", "extractor")),
		now:       cfg.Now,
	}
}

// Extract fetches target and returns its metadata. target must already be
// validated.
func (e *HTTPExtractor) Extract(ctx context.Context, target string, opts Options) (Metadata, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Metadata{}, &Error{Code: CodeInvalidURL, Message: "Invalid URL format", Details: err.Error(), Err: ErrInvalidURL}
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Metadata{}, fetchFailed(http.StatusGatewayTimeout, "Timed out fetching URL", fmt.Sprintf("no response within %s", timeout), err)
		}
		if errors.Is(err, errPrivateAddress) {
			return Metadata{}, &Error{Code: CodeInvalidURL, Message: "URL host is not publicly routable", Details: err.Error(), Err: ErrInvalidURL}
		}
		return Metadata{}, fetchFailed(http.StatusBadGateway, "Failed to fetch URL", err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Metadata{}, fetchFailed(http.StatusBadGateway, "Failed to fetch URL", fmt.Sprintf("upstream responded with status %d", resp.StatusCode), nil)
	}
	contentType := resp.Header.Get("Content-Type")
	if !isHTML(contentType) {
		return Metadata{}, fetchFailed(http.StatusUnprocessableEntity, "URL does not point to an HTML page", fmt.Sprintf("content type %q", contentType), nil)
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, e.maxBody), contentType)
	if err != nil {
		return Metadata{}, fetchFailed(http.StatusBadGateway, "Failed to decode page", err.Error(), err)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Metadata{}, fetchFailed(http.StatusGatewayTimeout, "Timed out fetching URL", fmt.Sprintf("no response within %s", timeout), err)
		}
		return Metadata{}, fetchFailed(http.StatusBadGateway, "Failed to parse page", err.Error(), err)
	}

	pageURL := resp.Request.URL
	md := buildMetadata(doc, pageURL, opts.UseFallback)
	if md.Title == "" {
		return Metadata{}, fetchFailed(http.StatusUnprocessableEntity, "No product metadata found", "page has no title", nil)
	}
	md.URL = target
	md.ExtractedAt = e.now().UTC()

	if e.retailers != nil {
		retailer := e.retailers.Lookup(hostOf(target))
		if md.SiteName == "" {
			md.SiteName = retailer.Name
		}
		if md.Currency == "" && md.Price != nil {
			md.Currency = retailer.Currency
		}
		if opts.IncludeRetailerData && retailer.Domain != "" {
			md.Retailer = &retailer
		}
	}

	e.logger.DebugContext(ctx, "metadata extracted",
		slog.String("url", target),
		slog.String("source", string(md.Source)),
		slog.Bool("price", md.Price != nil),
		slog.Duration("latency", time.Since(start)),
	)
	return md, nil
}

var errPrivateAddress = errors.New("address is not publicly routable")

// publicOnlyTransport clones base with a dialer that refuses non-public
// addresses after DNS resolution. Transports other than *http.Transport are
// returned unchanged.
func publicOnlyTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	t, ok := base.(*http.Transport)
	if !ok {
		return base
	}
	t = t.Clone()
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   rejectPrivateDial,
	}
	t.DialContext = dialer.DialContext
	return t
}

func rejectPrivateDial(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	if isPrivateAddr(ap.Addr()) {
		return fmt.Errorf("dial %s: %w", address, errPrivateAddress)
	}
	return nil
}

func isHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
