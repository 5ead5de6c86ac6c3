package doh

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Status classifies the delegation state of one domain after the
// DNS pre-check.
type Status string

const (
	StatusHasNS    Status = "has-ns"
	StatusNoNS     Status = "no-ns"
	StatusNXDomain Status = "nxdomain"
	StatusError    Status = "error"
)

// Result is the outcome of one pre-check, including which provider
// produced the decisive answer.
type Result struct {
	Status   Status
	Provider string
	Detail   string
}

// Decisive reports whether the status settles the domain without
// consulting further providers.
func (r Result) Decisive() bool {
	return r.Status != StatusError
}

const dns53Prefix = "dns53:"

// Provider is one resolver in the fallback chain: a DoH JSON endpoint,
// or a plain DNS server addressed as "dns53:host:port".
type Provider struct {
	Endpoint string
	Plain    bool
}

// ParseProviders maps configured provider strings to Provider values.
func ParseProviders(entries []string) []Provider {
	providers := make([]Provider, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if addr, ok := strings.CutPrefix(e, dns53Prefix); ok {
			providers = append(providers, Provider{Endpoint: addr, Plain: true})
			continue
		}
		providers = append(providers, Provider{Endpoint: e})
	}
	return providers
}

// Checker runs the delegation pre-check for single domains against an
// ordered provider chain, with a linear-backoff retry envelope around
// the whole chain.
type Checker struct {
	providers   []Provider
	client      *http.Client
	dnsClient   *dns.Client
	maxAttempts int
	retryBase   time.Duration
	logger      *zap.Logger
}

type Options struct {
	Providers   []Provider
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

func NewChecker(opts Options, logger *zap.Logger) *Checker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = 400 * time.Millisecond
	}

	return &Checker{
		providers: opts.Providers,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 60 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 256,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		dnsClient:   &dns.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		logger:      logger.With(zap.String("component", "doh")),
	}
}

// Check classifies one domain's delegation. Providers are consulted in
// order until one yields a decisive status; a fully non-decisive pass is
// retried up to the attempt limit with linear backoff.
func (c *Checker) Check(ctx context.Context, domain string) Result {
	var res Result
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		res = c.checkOnce(ctx, domain)
		if res.Decisive() {
			return res
		}
		if attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}

		delay := time.Duration(attempt) * c.retryBase
		c.logger.Debug("DNS pre-check retry",
			zap.String("domain", domain),
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

func (c *Checker) checkOnce(ctx context.Context, domain string) Result {
	lastDetail := "no providers configured"
	for _, p := range c.providers {
		res, err := c.queryProvider(ctx, p, domain)
		if err != nil {
			lastDetail = err.Error()
			continue
		}
		return res
	}
	return Result{Status: StatusError, Detail: lastDetail}
}

// queryProvider runs the NS query and, when delegation is not visible,
// the supplementary SOA query against the same provider. A nil error
// means the returned result is decisive.
func (c *Checker) queryProvider(ctx context.Context, p Provider, domain string) (Result, error) {
	rcode, hasNS, err := c.query(ctx, p, domain, dns.TypeNS)
	if err != nil {
		return Result{}, err
	}

	switch {
	case rcode == dns.RcodeNameError:
		return Result{Status: StatusNXDomain, Provider: p.Endpoint}, nil
	case rcode != dns.RcodeSuccess:
		return Result{}, fmt.Errorf("rcode %d from %s", rcode, p.Endpoint)
	case hasNS:
		return Result{Status: StatusHasNS, Provider: p.Endpoint}, nil
	}

	// NOERROR without NS: the zone may still exist behind the parent,
	// so ask the same provider for SOA before declaring no delegation.
	rcode, hasSOA, err := c.query(ctx, p, domain, dns.TypeSOA)
	if err != nil {
		return Result{}, err
	}
	switch {
	case rcode == dns.RcodeNameError:
		return Result{Status: StatusNXDomain, Provider: p.Endpoint}, nil
	case hasSOA:
		return Result{Status: StatusHasNS, Provider: p.Endpoint, Detail: "soa only"}, nil
	default:
		return Result{Status: StatusNoNS, Provider: p.Endpoint}, nil
	}
}

func (c *Checker) query(ctx context.Context, p Provider, domain string, qtype uint16) (rcode int, found bool, err error) {
	if p.Plain {
		return c.queryPlain(ctx, p.Endpoint, domain, qtype)
	}
	return c.queryDoH(ctx, p.Endpoint, domain, qtype)
}

type dohRecord struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	Data string `json:"data"`
}

type dohResponse struct {
	Status    int         `json:"Status"`
	Answer    []dohRecord `json:"Answer"`
	Authority []dohRecord `json:"Authority"`
}

func (c *Checker) queryDoH(ctx context.Context, endpoint, domain string, qtype uint16) (int, bool, error) {
	q := url.Values{}
	q.Set("name", domain)
	q.Set("type", dns.TypeToString[qtype])
	q.Set("cd", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("doh query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("doh endpoint %s returned HTTP %d", endpoint, resp.StatusCode)
	}

	var body dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false, fmt.Errorf("doh response decode failed: %w", err)
	}

	for _, rr := range body.Answer {
		if rr.Type == qtype {
			return body.Status, true, nil
		}
	}
	for _, rr := range body.Authority {
		if rr.Type == qtype {
			return body.Status, true, nil
		}
	}
	return body.Status, false, nil
}

func (c *Checker) queryPlain(ctx context.Context, server, domain string, qtype uint16) (int, bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)

	r, _, err := c.dnsClient.ExchangeContext(ctx, m, server)
	if err != nil {
		return 0, false, fmt.Errorf("dns query failed: %w", err)
	}

	for _, rr := range r.Answer {
		if rr.Header().Rrtype == qtype {
			return r.Rcode, true, nil
		}
	}
	for _, rr := range r.Ns {
		if rr.Header().Rrtype == qtype {
			return r.Rcode, true, nil
		}
	}
	return r.Rcode, false, nil
}
