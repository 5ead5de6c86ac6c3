// Package whoisfb is an opt-in WHOIS implementation of the pipeline's
// fallback resolver, used for rows whose registry exposes no usable
// RDAP service.
package whoisfb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"go.uber.org/zap"
)

// Patterns that mark a domain as unregistered when the parser cannot
// make sense of the registry's reply.
var availablePatterns = []string{
	"no match for",
	"not found",
	"no entries found",
	"domain not found",
	"no data found",
	"status: free",
	"status: available",
	"no object found",
	"the queried object does not exist",
	"domain name has not been registered",
}

type Resolver struct {
	client *whois.Client
	logger *zap.Logger
}

func New(timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := whois.NewClient()
	client.SetTimeout(timeout)
	return &Resolver{
		client: client,
		logger: logger.With(zap.String("component", "whois-fallback")),
	}
}

// Resolve queries WHOIS for the domain and classifies the reply.
// A nil available means the reply was inconclusive; the caller keeps
// its rdap-unsupported verdict in that case.
func (r *Resolver) Resolve(ctx context.Context, ascii string) (*bool, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	raw, err := r.client.Whois(ascii)
	if err != nil {
		return nil, "", fmt.Errorf("whois lookup failed: %w", err)
	}

	parsed, err := whoisparser.Parse(raw)
	switch {
	case err == nil:
		registrar := ""
		if parsed.Registrar != nil {
			registrar = parsed.Registrar.Name
		}
		return boolPtr(false), strings.TrimSpace("whois: registered " + registrar), nil
	case errors.Is(err, whoisparser.ErrNotFoundDomain):
		return boolPtr(true), "whois: not registered", nil
	}

	// Registry replies the parser rejects still often state availability
	// in plain text.
	lower := strings.ToLower(raw)
	for _, pattern := range availablePatterns {
		if strings.Contains(lower, pattern) {
			return boolPtr(true), "whois: not registered", nil
		}
	}

	r.logger.Debug("Unparseable WHOIS reply", zap.String("domain", ascii), zap.Error(err))
	return nil, "", nil
}

func boolPtr(b bool) *bool { return &b }
