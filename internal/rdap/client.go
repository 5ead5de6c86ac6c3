package rdap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result is the classified outcome of an RDAP lookup for one domain.
// Available is nil when the service gave no usable answer; Unsupported
// marks services that cannot answer this query shape at all.
type Result struct {
	StatusCode  int    `json:"statusCode"`
	Available   *bool  `json:"available"`
	Unsupported bool   `json:"unsupported"`
	Detail      string `json:"detail,omitempty"`
}

type Options struct {
	BootstrapURL string
	FallbackURL  string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RatePerSec   float64
	UseProxy     bool
	ProxyURL     string
}

// Client performs registration lookups against per-TLD RDAP services,
// honoring 429 backoff. Request pacing via the shared limiter composes
// with whatever concurrency cap the caller runs under.
type Client struct {
	bootstrap   *Bootstrap
	fallbackURL string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	retryBase   time.Duration
	logger      *zap.Logger
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.UseProxy && opts.ProxyURL != "" {
		if proxyURL, err := url.Parse(opts.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		} else {
			logger.Warn("Invalid RDAP proxy URL, continuing without proxy", zap.Error(err))
		}
	}

	httpClient := &http.Client{Timeout: timeout, Transport: transport}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	return &Client{
		bootstrap:   NewBootstrap(opts.BootstrapURL, httpClient, logger),
		fallbackURL: opts.FallbackURL,
		client:      httpClient,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		logger:      logger.With(zap.String("component", "rdap")),
	}
}

// Check looks up one domain. It resolves the service endpoint through
// the bootstrap index (falling back to the generic aggregator), then
// retries transient failures with linear backoff, honoring Retry-After
// on 429 responses. Decisive 200/404 answers return immediately.
func (c *Client) Check(ctx context.Context, ascii, tld string) Result {
	base := c.endpointFor(ctx, tld)
	if base == "" {
		return Result{Unsupported: true, Detail: "no rdap service for tld"}
	}
	lookupURL := strings.TrimSuffix(base, "/") + "/domain/" + ascii

	var res Result
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var retryAfter time.Duration
		res, retryAfter = c.lookup(ctx, lookupURL)

		switch {
		case res.StatusCode == http.StatusOK, res.StatusCode == http.StatusNotFound:
			return res
		case res.Unsupported:
			return res
		}
		if attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}

		delay := time.Duration(attempt) * c.retryBase
		if res.StatusCode == http.StatusTooManyRequests && retryAfter > 0 {
			delay = retryAfter
		}
		c.logger.Debug("RDAP retry",
			zap.String("domain", ascii),
			zap.Int("status", res.StatusCode),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(delay):
		}
	}
	return res
}

func (c *Client) endpointFor(ctx context.Context, tld string) string {
	if urls := c.bootstrap.Lookup(ctx, tld); len(urls) > 0 {
		return urls[0]
	}
	return c.fallbackURL
}

// domainObject is the subset of the RDAP domain object we recognize.
type domainObject struct {
	ObjectClassName string   `json:"objectClassName"`
	Status          []string `json:"status"`
}

func (c *Client) lookup(ctx context.Context, lookupURL string) (Result, time.Duration) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{Detail: err.Error()}, 0
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return Result{Detail: err.Error()}, 0
	}
	req.Header.Set("Accept", "application/rdap+json, application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Detail: fmt.Sprintf("rdap request failed: %v", err)}, 0
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return Result{StatusCode: resp.StatusCode, Available: boolPtr(true)}, 0

	case http.StatusOK:
		var obj domainObject
		if decodeErr := json.NewDecoder(resp.Body).Decode(&obj); decodeErr == nil && obj.ObjectClassName == "domain" {
			return Result{StatusCode: resp.StatusCode, Available: boolPtr(false)}, 0
		}
		return Result{StatusCode: resp.StatusCode, Detail: "unexpected object"}, 0

	case http.StatusTooManyRequests:
		return Result{StatusCode: resp.StatusCode, Detail: "rate limited"},
			parseRetryAfter(resp.Header.Get("Retry-After"))

	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return Result{StatusCode: resp.StatusCode, Unsupported: true, Detail: "query not supported"}, 0

	default:
		return Result{StatusCode: resp.StatusCode, Detail: fmt.Sprintf("rdap service returned HTTP %d", resp.StatusCode)}, 0
	}
}

// parseRetryAfter handles both forms the header allows: delay seconds
// and an HTTP-date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func boolPtr(b bool) *bool { return &b }
