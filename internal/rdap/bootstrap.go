package rdap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Bootstrap resolves a TLD to its registry's RDAP service URLs using the
// IANA bootstrap index. The index is fetched at most once and cached for
// the process lifetime; a failed fetch leaves the registry empty so
// lookups fall through to the generic aggregator.
type Bootstrap struct {
	url    string
	client *http.Client
	logger *zap.Logger

	once     sync.Once
	services map[string][]string
}

func NewBootstrap(url string, client *http.Client, logger *zap.Logger) *Bootstrap {
	return &Bootstrap{
		url:    url,
		client: client,
		logger: logger.With(zap.String("component", "rdap-bootstrap")),
	}
}

// bootstrapIndex mirrors the IANA dns.json layout: each service entry is
// a pair of [TLD list, service URL list].
type bootstrapIndex struct {
	Services [][][]string `json:"services"`
}

// Lookup returns the service URLs registered for tld, or nil when the
// TLD is unknown or the index could not be fetched.
func (b *Bootstrap) Lookup(ctx context.Context, tld string) []string {
	b.once.Do(func() { b.load(ctx) })
	return b.services[strings.ToLower(tld)]
}

func (b *Bootstrap) load(ctx context.Context) {
	b.services = map[string][]string{}
	if b.url == "" {
		return
	}

	index, err := b.fetch(ctx)
	if err != nil {
		b.logger.Warn("RDAP bootstrap fetch failed, using generic fallback only", zap.Error(err))
		return
	}

	for _, entry := range index.Services {
		if len(entry) < 2 {
			continue
		}
		tlds, urls := entry[0], entry[1]
		for _, tld := range tlds {
			b.services[strings.ToLower(tld)] = urls
		}
	}
	b.logger.Info("RDAP bootstrap index loaded", zap.Int("tlds", len(b.services)))
}

func (b *Bootstrap) fetch(ctx context.Context) (*bootstrapIndex, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap index returned HTTP %d", resp.StatusCode)
	}

	var index bootstrapIndex
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return nil, fmt.Errorf("bootstrap index decode failed: %w", err)
	}
	return &index, nil
}
