package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/domiro-org/domiro/internal/doh"
	"github.com/domiro-org/domiro/internal/normalize"
	"github.com/domiro-org/domiro/internal/rdap"
	"github.com/domiro-org/domiro/internal/verdict"
)

type dnsFunc func(ctx context.Context, domain string) doh.Result

func (f dnsFunc) Check(ctx context.Context, domain string) doh.Result { return f(ctx, domain) }

type rdapFunc func(ctx context.Context, ascii, tld string) rdap.Result

func (f rdapFunc) Check(ctx context.Context, ascii, tld string) rdap.Result {
	return f(ctx, ascii, tld)
}

func identities(domains ...string) []normalize.DomainIdentity {
	return normalize.Normalize(nil, domains).Valid
}

func waitDone(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish; progress=%+v", p.Progress())
	}
}

func boolPtr(b bool) *bool { return &b }

func TestRunDelegatedSkipsRDAP(t *testing.T) {
	var rdapCalls atomic.Int32
	p := New(
		dnsFunc(func(ctx context.Context, domain string) doh.Result {
			return doh.Result{Status: doh.StatusHasNS}
		}),
		rdapFunc(func(ctx context.Context, ascii, tld string) rdap.Result {
			rdapCalls.Add(1)
			return rdap.Result{}
		}),
		Options{DNSConcurrency: 4, RDAPConcurrency: 2},
		zap.NewNop(),
	)
	defer p.Close()

	p.Start(identities("example.com", "example.org"))
	waitDone(t, p)

	if got := p.Progress().Stage; got != StageDone {
		t.Fatalf("stage=%s; want done", got)
	}
	if rdapCalls.Load() != 0 {
		t.Fatalf("RDAP called %d times for delegated domains; want 0", rdapCalls.Load())
	}
	for _, row := range p.Snapshot() {
		if row.Verdict != verdict.Taken {
			t.Fatalf("row %s verdict=%s; want taken", row.ASCII, row.Verdict)
		}
	}
}

func TestRunUndelegatedGoesThroughRDAP(t *testing.T) {
	p := New(
		dnsFunc(func(ctx context.Context, domain string) doh.Result {
			return doh.Result{Status: doh.StatusNXDomain}
		}),
		rdapFunc(func(ctx context.Context, ascii, tld string) rdap.Result {
			return rdap.Result{StatusCode: 404, Available: boolPtr(true)}
		}),
		Options{DNSConcurrency: 4, RDAPConcurrency: 2},
		zap.NewNop(),
	)
	defer p.Close()

	p.Start(identities("surely-free.example"))
	waitDone(t, p)

	rows := p.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("rows=%d; want 1", len(rows))
	}
	if rows[0].Verdict != verdict.Available {
		t.Fatalf("verdict=%s; want available", rows[0].Verdict)
	}
	if rows[0].RDAP == nil || rows[0].RDAP.StatusCode != 404 {
		t.Fatalf("rdap result not recorded: %+v", rows[0].RDAP)
	}
}

func TestStaleRunResultsDiscarded(t *testing.T) {
	release := make(chan struct{})
	var call atomic.Int32
	p := New(
		dnsFunc(func(ctx context.Context, domain string) doh.Result {
			if call.Add(1) == 1 {
				<-release // run A hangs here until run B is finished
				return doh.Result{Status: doh.StatusHasNS}
			}
			return doh.Result{Status: doh.StatusNXDomain}
		}),
		rdapFunc(func(ctx context.Context, ascii, tld string) rdap.Result {
			return rdap.Result{StatusCode: 404, Available: boolPtr(true)}
		}),
		Options{DNSConcurrency: 2, RDAPConcurrency: 1},
		zap.NewNop(),
	)
	defer p.Close()

	p.Start(identities("contested.example"))
	for call.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	runB := p.Start(identities("contested.example"))
	waitDone(t, p)
	close(release)
	time.Sleep(50 * time.Millisecond) // give run A's completion time to land (and be dropped)

	rows := p.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("rows=%d; want 1", len(rows))
	}
	if rows[0].DNSStatus != doh.StatusNXDomain || rows[0].Verdict != verdict.Available {
		t.Fatalf("run A's stale result leaked into run B: %+v", rows[0])
	}
	if got := p.Progress().RunID; got != runB {
		t.Fatalf("runID=%d; want %d", got, runB)
	}
}

func TestRetryFailedOnlyTouchesFailedRows(t *testing.T) {
	var attempt atomic.Int32
	p := New(
		dnsFunc(func(ctx context.Context, domain string) doh.Result {
			if domain == "solid.example" {
				return doh.Result{Status: doh.StatusHasNS}
			}
			if attempt.Load() == 0 {
				return doh.Result{Status: doh.StatusError, Detail: "all providers failed"}
			}
			return doh.Result{Status: doh.StatusNXDomain}
		}),
		rdapFunc(func(ctx context.Context, ascii, tld string) rdap.Result {
			if attempt.Load() == 0 {
				return rdap.Result{StatusCode: 503, Detail: "rdap service returned HTTP 503"}
			}
			return rdap.Result{StatusCode: 404, Available: boolPtr(true)}
		}),
		Options{DNSConcurrency: 2, RDAPConcurrency: 1},
		zap.NewNop(),
	)
	defer p.Close()

	p.Start(identities("solid.example", "flaky.example"))
	waitDone(t, p)

	rows := p.Snapshot()
	if rows[0].Verdict != verdict.Undetermined { // flaky.example sorts first
		t.Fatalf("flaky verdict=%s; want undetermined after failed run", rows[0].Verdict)
	}

	attempt.Store(1)
	if _, err := p.RetryFailed(); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	waitDone(t, p)

	rows = p.Snapshot()
	if rows[0].ASCII != "flaky.example" || rows[0].Verdict != verdict.Available {
		t.Fatalf("retried row=%+v; want available", rows[0])
	}
	if rows[1].ASCII != "solid.example" || rows[1].Verdict != verdict.Taken {
		t.Fatalf("unrelated row was disturbed: %+v", rows[1])
	}

	if _, err := p.RetryFailed(); err != ErrNothingToRetry {
		t.Fatalf("RetryFailed with nothing failed: %v; want ErrNothingToRetry", err)
	}
}

func TestResetClearsRows(t *testing.T) {
	p := New(
		dnsFunc(func(ctx context.Context, domain string) doh.Result {
			return doh.Result{Status: doh.StatusHasNS}
		}),
		rdapFunc(func(ctx context.Context, ascii, tld string) rdap.Result { return rdap.Result{} }),
		Options{DNSConcurrency: 1, RDAPConcurrency: 1},
		zap.NewNop(),
	)
	defer p.Close()

	p.Start(identities("example.com"))
	waitDone(t, p)
	p.Reset()

	if got := p.Progress().Stage; got != StageIdle {
		t.Fatalf("stage=%s; want idle", got)
	}
	if rows := p.Snapshot(); len(rows) != 0 {
		t.Fatalf("rows=%v; want none after reset", rows)
	}
}

func TestProgressCountsIncrementally(t *testing.T) {
	gate := make(chan struct{})
	p := New(
		dnsFunc(func(ctx context.Context, domain string) doh.Result {
			<-gate
			return doh.Result{Status: doh.StatusHasNS}
		}),
		rdapFunc(func(ctx context.Context, ascii, tld string) rdap.Result { return rdap.Result{} }),
		Options{DNSConcurrency: 1, RDAPConcurrency: 1},
		zap.NewNop(),
	)
	defer p.Close()

	p.Start(identities("one.example", "two.example", "three.example"))

	if pr := p.Progress(); pr.Stage != StageDNS || pr.DNSTotal != 3 || pr.DNSDone != 0 {
		t.Fatalf("initial progress=%+v", pr)
	}

	gate <- struct{}{}
	deadline := time.Now().Add(2 * time.Second)
	for p.Progress().DNSDone < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("progress never advanced: %+v", p.Progress())
		}
		time.Sleep(time.Millisecond)
	}
	if pr := p.Progress(); pr.DNSDone < 1 || pr.DNSDone > 2 {
		t.Fatalf("progress=%+v; want incremental DNS completion", pr)
	}

	close(gate)
	waitDone(t, p)
	if pr := p.Progress(); pr.DNSDone != 3 {
		t.Fatalf("final progress=%+v; want all three counted", pr)
	}
}

func TestFallbackResolverRefinesUnsupported(t *testing.T) {
	p := New(
		dnsFunc(func(ctx context.Context, domain string) doh.Result {
			return doh.Result{Status: doh.StatusNoNS}
		}),
		rdapFunc(func(ctx context.Context, ascii, tld string) rdap.Result {
			return rdap.Result{StatusCode: 501, Unsupported: true}
		}),
		Options{
			DNSConcurrency:  1,
			RDAPConcurrency: 1,
			Fallback: fallbackFunc(func(ctx context.Context, ascii string) (*bool, string, error) {
				return boolPtr(true), "whois: not registered", nil
			}),
		},
		zap.NewNop(),
	)
	defer p.Close()

	p.Start(identities("cctld.example"))
	waitDone(t, p)

	rows := p.Snapshot()
	if rows[0].Verdict != verdict.Available {
		t.Fatalf("verdict=%s; want available via fallback", rows[0].Verdict)
	}
}

type fallbackFunc func(ctx context.Context, ascii string) (*bool, string, error)

func (f fallbackFunc) Resolve(ctx context.Context, ascii string) (*bool, string, error) {
	return f(ctx, ascii)
}
