package doh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestChecker(t *testing.T, providers []Provider) *Checker {
	t.Helper()
	return NewChecker(Options{
		Providers:   providers,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
	}, zap.NewNop())
}

func dohHandler(t *testing.T, fn func(name, qtype string) dohResponse) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/dns-json" {
			t.Errorf("Accept=%q; want application/dns-json", got)
		}
		resp := fn(r.URL.Query().Get("name"), r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "application/dns-json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestCheckHasNS(t *testing.T) {
	srv := httptest.NewServer(dohHandler(t, func(name, qtype string) dohResponse {
		if qtype != "NS" {
			t.Errorf("unexpected supplementary %s query", qtype)
		}
		return dohResponse{Status: 0, Answer: []dohRecord{{Name: name, Type: 2, Data: "ns1.example.net."}}}
	}))
	defer srv.Close()

	c := newTestChecker(t, []Provider{{Endpoint: srv.URL}})
	res := c.Check(context.Background(), "example.com")
	if res.Status != StatusHasNS {
		t.Fatalf("status=%s; want has-ns (detail=%s)", res.Status, res.Detail)
	}
}

func TestCheckNXDomain(t *testing.T) {
	srv := httptest.NewServer(dohHandler(t, func(string, string) dohResponse {
		return dohResponse{Status: 3}
	}))
	defer srv.Close()

	c := newTestChecker(t, []Provider{{Endpoint: srv.URL}})
	if res := c.Check(context.Background(), "definitely-free.example"); res.Status != StatusNXDomain {
		t.Fatalf("status=%s; want nxdomain", res.Status)
	}
}

func TestCheckSOAFallback(t *testing.T) {
	var soaQueries atomic.Int32
	srv := httptest.NewServer(dohHandler(t, func(name, qtype string) dohResponse {
		switch qtype {
		case "NS":
			return dohResponse{Status: 0}
		case "SOA":
			soaQueries.Add(1)
			return dohResponse{Status: 0, Authority: []dohRecord{{Name: name, Type: 6, Data: "ns1. admin. 1 1 1 1 1"}}}
		}
		return dohResponse{Status: 2}
	}))
	defer srv.Close()

	c := newTestChecker(t, []Provider{{Endpoint: srv.URL}})
	res := c.Check(context.Background(), "apex-without-visible-ns.example")
	if res.Status != StatusHasNS {
		t.Fatalf("status=%s; want has-ns via SOA", res.Status)
	}
	if soaQueries.Load() != 1 {
		t.Fatalf("SOA queries=%d; want 1", soaQueries.Load())
	}
}

func TestCheckNoNS(t *testing.T) {
	srv := httptest.NewServer(dohHandler(t, func(string, string) dohResponse {
		return dohResponse{Status: 0}
	}))
	defer srv.Close()

	c := newTestChecker(t, []Provider{{Endpoint: srv.URL}})
	if res := c.Check(context.Background(), "undelegated.example"); res.Status != StatusNoNS {
		t.Fatalf("status=%s; want no-ns", res.Status)
	}
}

func TestCheckProviderFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	good := httptest.NewServer(dohHandler(t, func(name, qtype string) dohResponse {
		return dohResponse{Status: 0, Answer: []dohRecord{{Name: name, Type: 2, Data: "ns1.example.net."}}}
	}))
	defer good.Close()

	c := newTestChecker(t, []Provider{{Endpoint: bad.URL}, {Endpoint: good.URL}})
	res := c.Check(context.Background(), "example.com")
	if res.Status != StatusHasNS {
		t.Fatalf("status=%s; want has-ns from second provider", res.Status)
	}
	if res.Provider != good.URL {
		t.Fatalf("provider=%s; want %s", res.Provider, good.URL)
	}
}

func TestCheckServfailIsNotDecisive(t *testing.T) {
	servfail := httptest.NewServer(dohHandler(t, func(string, string) dohResponse {
		return dohResponse{Status: 2}
	}))
	defer servfail.Close()

	good := httptest.NewServer(dohHandler(t, func(string, string) dohResponse {
		return dohResponse{Status: 3}
	}))
	defer good.Close()

	c := newTestChecker(t, []Provider{{Endpoint: servfail.URL}, {Endpoint: good.URL}})
	if res := c.Check(context.Background(), "example.com"); res.Status != StatusNXDomain {
		t.Fatalf("status=%s; want nxdomain from fallback provider", res.Status)
	}
}

func TestCheckRetriesOnError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(dohResponse{Status: 3})
	}))
	defer srv.Close()

	c := newTestChecker(t, []Provider{{Endpoint: srv.URL}})
	if res := c.Check(context.Background(), "example.com"); res.Status != StatusNXDomain {
		t.Fatalf("status=%s; want nxdomain after retries", res.Status)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d; want 3", calls.Load())
	}
}

func TestCheckAllProvidersExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestChecker(t, []Provider{{Endpoint: srv.URL}})
	res := c.Check(context.Background(), "example.com")
	if res.Status != StatusError {
		t.Fatalf("status=%s; want error", res.Status)
	}
	if res.Detail == "" {
		t.Fatal("error result carries no detail")
	}
}

func TestParseProviders(t *testing.T) {
	providers := ParseProviders([]string{
		"https://cloudflare-dns.com/dns-query",
		"dns53:8.8.8.8:53",
		"  ",
	})
	if len(providers) != 2 {
		t.Fatalf("got %d providers; want 2", len(providers))
	}
	if providers[0].Plain || providers[0].Endpoint != "https://cloudflare-dns.com/dns-query" {
		t.Fatalf("unexpected first provider %+v", providers[0])
	}
	if !providers[1].Plain || providers[1].Endpoint != "8.8.8.8:53" {
		t.Fatalf("unexpected second provider %+v", providers[1])
	}
}
