// Package pipeline coordinates the two-stage availability scan: a high
// fan-out DNS delegation pre-check followed by a low-concurrency RDAP
// verification over the rows the pre-check could not settle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/domiro-org/domiro/internal/doh"
	"github.com/domiro-org/domiro/internal/metrics"
	"github.com/domiro-org/domiro/internal/normalize"
	"github.com/domiro-org/domiro/internal/pool"
	"github.com/domiro-org/domiro/internal/rdap"
	"github.com/domiro-org/domiro/internal/verdict"
)

type Stage string

const (
	StageIdle Stage = "idle"
	StageDNS  Stage = "dns-checking"
	StageRDAP Stage = "rdap-checking"
	StageDone Stage = "done"
	StageErr  Stage = "error"
)

var ErrNothingToRetry = errors.New("no failed rows to retry")

// Row is the per-domain record for the life of a run. It is created
// with the safe defaults (dns error, verdict undetermined) and mutated
// in place by stage completions, one domain at a time under the
// pipeline lock.
type Row struct {
	ID        string          `json:"id"`
	Domain    string          `json:"domain"`
	ASCII     string          `json:"ascii"`
	TLD       string          `json:"tld"`
	DNSStatus doh.Status      `json:"dnsStatus"`
	RDAP      *rdap.Result    `json:"rdap,omitempty"`
	Verdict   verdict.Verdict `json:"verdict"`
	Detail    string          `json:"detail,omitempty"`
}

// Progress is a point-in-time view of the current run.
type Progress struct {
	RunID     uint64 `json:"runId"`
	Stage     Stage  `json:"stage"`
	DNSTotal  int    `json:"dnsTotal"`
	DNSDone   int    `json:"dnsDone"`
	RDAPTotal int    `json:"rdapTotal"`
	RDAPDone  int    `json:"rdapDone"`
	Error     string `json:"error,omitempty"`
}

// DNSChecker classifies one domain's delegation state.
type DNSChecker interface {
	Check(ctx context.Context, domain string) doh.Result
}

// RDAPChecker looks up one domain's registration state.
type RDAPChecker interface {
	Check(ctx context.Context, ascii, tld string) rdap.Result
}

// FallbackResolver is consulted for rows whose RDAP service cannot
// answer the query shape at all. A nil available means the fallback
// could not settle the domain either.
type FallbackResolver interface {
	Resolve(ctx context.Context, ascii string) (available *bool, detail string, err error)
}

type Options struct {
	DNSConcurrency  int
	RDAPConcurrency int
	Fallback        FallbackResolver
	Metrics         *metrics.Collector
}

type Pipeline struct {
	dns      DNSChecker
	rdap     RDAPChecker
	fallback FallbackResolver
	metrics  *metrics.Collector
	logger   *zap.Logger

	dnsPool  *pool.Pool
	rdapPool *pool.Pool

	mu         sync.Mutex
	runID      uint64
	stage      Stage
	rows       map[string]*Row
	dnsTotal   int
	dnsDone    int
	rdapTotal  int
	rdapDone   int
	errMsg     string
	runCtx     context.Context
	cancel     context.CancelFunc
	doneCh     chan struct{}
	doneClosed bool
}

func New(dnsChecker DNSChecker, rdapChecker RDAPChecker, opts Options, logger *zap.Logger) *Pipeline {
	dnsConc := opts.DNSConcurrency
	if dnsConc < 1 {
		dnsConc = 1000
	}
	rdapConc := opts.RDAPConcurrency
	if rdapConc < 1 {
		rdapConc = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		dns:      dnsChecker,
		rdap:     rdapChecker,
		fallback: opts.Fallback,
		metrics:  opts.Metrics,
		logger:   logger.With(zap.String("component", "pipeline")),
		dnsPool:  pool.New(dnsConc),
		rdapPool: pool.New(rdapConc),
		stage:    StageIdle,
		rows:     map[string]*Row{},
		runCtx:   ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
}

// newRunLocked supersedes whatever run is in flight: the old context is
// cancelled and the run id advances, so stale completions are discarded
// when they eventually land.
func (p *Pipeline) newRunLocked() uint64 {
	p.cancel()
	p.closeDoneLocked()
	p.runID++
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.doneCh = make(chan struct{})
	p.doneClosed = false
	p.errMsg = ""
	return p.runID
}

// closeDoneLocked releases anyone waiting on the run that is being
// superseded or finished; they must re-check Progress to tell a clean
// finish from a superseded run.
func (p *Pipeline) closeDoneLocked() {
	if !p.doneClosed {
		close(p.doneCh)
		p.doneClosed = true
	}
}

// Start begins a fresh run over the given domains, superseding any run
// in flight, and returns the new run id.
func (p *Pipeline) Start(domains []normalize.DomainIdentity) uint64 {
	p.mu.Lock()
	id := p.newRunLocked()
	p.rows = make(map[string]*Row, len(domains))
	for _, d := range domains {
		p.rows[d.ASCII] = &Row{
			ID:        d.ASCII,
			Domain:    d.Display,
			ASCII:     d.ASCII,
			TLD:       d.TLD,
			DNSStatus: doh.StatusError,
			Verdict:   verdict.Undetermined,
		}
	}
	p.stage = StageDNS
	p.dnsTotal = len(domains)
	p.dnsDone = 0
	p.rdapTotal = 0
	p.rdapDone = 0
	ctx := p.runCtx
	p.mu.Unlock()

	p.logger.Info("Run started", zap.Uint64("run_id", id), zap.Int("domains", len(domains)))
	targets := append([]normalize.DomainIdentity(nil), domains...)
	go p.run(ctx, id, targets, nil)
	return id
}

// RetryFailed re-runs only the rows that failed in their current stage:
// DNS rows still classified error, and RDAP rows stuck on 429 or a
// transport failure. Unrelated rows keep their state. A new run id is
// allocated so anything still in flight from the old run is discarded.
func (p *Pipeline) RetryFailed() (uint64, error) {
	p.mu.Lock()

	var dnsTargets []normalize.DomainIdentity
	var rdapTargets []rdapTarget
	for _, row := range p.rows {
		if row.DNSStatus == doh.StatusError {
			dnsTargets = append(dnsTargets, normalize.DomainIdentity{
				Display: row.Domain, ASCII: row.ASCII, TLD: row.TLD,
			})
			continue
		}
		if r := row.RDAP; r != nil && rdapFailed(r) {
			rdapTargets = append(rdapTargets, rdapTarget{ascii: row.ASCII, tld: row.TLD})
		}
	}
	if len(dnsTargets)+len(rdapTargets) == 0 {
		p.mu.Unlock()
		return 0, ErrNothingToRetry
	}
	sort.Slice(dnsTargets, func(i, j int) bool { return dnsTargets[i].ASCII < dnsTargets[j].ASCII })
	sort.Slice(rdapTargets, func(i, j int) bool { return rdapTargets[i].ascii < rdapTargets[j].ascii })

	id := p.newRunLocked()
	p.stage = StageDNS
	p.dnsTotal = len(dnsTargets)
	p.dnsDone = 0
	p.rdapTotal = 0
	p.rdapDone = 0
	ctx := p.runCtx
	p.mu.Unlock()

	p.logger.Info("Retrying failed rows",
		zap.Uint64("run_id", id),
		zap.Int("dns_rows", len(dnsTargets)),
		zap.Int("rdap_rows", len(rdapTargets)),
	)
	go p.run(ctx, id, dnsTargets, rdapTargets)
	return id, nil
}

// rdapFailed reports whether an RDAP result is worth retrying: still
// rate limited, or a transport/server failure. Unsupported services and
// decisive answers are not.
func rdapFailed(r *rdap.Result) bool {
	return r.StatusCode == http.StatusTooManyRequests || r.StatusCode == 0 || r.StatusCode >= 500
}

// Reset returns the pipeline to idle, clearing every row. In-flight
// completions from the abandoned run are invalidated by the id bump.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newRunLocked()
	p.stage = StageIdle
	p.rows = map[string]*Row{}
	p.dnsTotal, p.dnsDone, p.rdapTotal, p.rdapDone = 0, 0, 0, 0
}

// Close tears the pipeline down: queued tasks are dropped, running ones
// are cancelled via their run context.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.dnsPool.Clear()
	p.rdapPool.Clear()
	p.dnsPool.Close()
	p.rdapPool.Close()
}

type rdapTarget struct {
	ascii string
	tld   string
}

func (p *Pipeline) run(ctx context.Context, id uint64, dnsTargets []normalize.DomainIdentity, extraRDAP []rdapTarget) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(id, fmt.Sprintf("pipeline run failed: %v", r))
		}
	}()

	if !p.forEach(ctx, p.dnsPool, "dns", len(dnsTargets), func(i int) {
		p.checkDNS(ctx, id, dnsTargets[i])
	}) {
		return
	}

	targets, ok := p.rdapCandidates(id, dnsTargets, extraRDAP)
	if !ok {
		return
	}
	if len(targets) == 0 {
		p.finish(id)
		return
	}

	if !p.enterRDAPStage(id, len(targets)) {
		return
	}
	if !p.forEach(ctx, p.rdapPool, "rdap", len(targets), func(i int) {
		p.checkRDAP(ctx, id, targets[i])
	}) {
		return
	}
	p.finish(id)
}

// forEach fans n tasks out on pl and waits for them, giving up early if
// the run context dies. It returns false when the stage did not finish
// cleanly and the caller should stop driving the run.
func (p *Pipeline) forEach(ctx context.Context, pl *pool.Pool, stage string, n int, fn func(int)) bool {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		if err := pl.Submit(ctx, func() { defer wg.Done(); fn(i) }); err != nil {
			wg.Done()
			return false
		}
	}
	p.metrics.SetQueueDepth(stage, pl.Pending())

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) checkDNS(ctx context.Context, id uint64, d normalize.DomainIdentity) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	res := p.dns.Check(ctx, d.ASCII)
	p.metrics.RecordCheck("dns", string(res.Status), time.Since(start))

	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.runID {
		p.metrics.RecordStaleDrop()
		return
	}
	row := p.rows[d.ASCII]
	if row == nil {
		return
	}
	row.DNSStatus = res.Status
	row.RDAP = nil
	row.Detail = res.Detail
	row.Verdict = verdict.Reconcile(res.Status, nil)
	p.dnsDone++
}

func (p *Pipeline) checkRDAP(ctx context.Context, id uint64, t rdapTarget) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	res := p.rdap.Check(ctx, t.ascii, t.tld)
	p.metrics.RecordCheck("rdap", strconv.Itoa(res.StatusCode), time.Since(start))

	p.mu.Lock()
	if id != p.runID {
		p.mu.Unlock()
		p.metrics.RecordStaleDrop()
		return
	}
	row := p.rows[t.ascii]
	if row == nil {
		p.mu.Unlock()
		return
	}
	result := res
	row.RDAP = &result
	if res.Detail != "" {
		row.Detail = res.Detail
	}
	row.Verdict = verdict.Reconcile(row.DNSStatus, &result)
	p.rdapDone++
	needFallback := row.Verdict == verdict.RDAPUnsupported && p.fallback != nil
	p.mu.Unlock()

	if !needFallback {
		return
	}
	p.resolveFallback(ctx, id, t.ascii)
}

// resolveFallback gives the injected resolver (typically WHOIS) a shot
// at rows RDAP cannot serve. Its answer refines the verdict; failures
// leave the rdap-unsupported verdict standing.
func (p *Pipeline) resolveFallback(ctx context.Context, id uint64, ascii string) {
	available, detail, err := p.fallback.Resolve(ctx, ascii)
	if err != nil || available == nil {
		p.logger.Debug("Fallback resolver could not settle domain",
			zap.String("domain", ascii), zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.runID {
		p.metrics.RecordStaleDrop()
		return
	}
	row := p.rows[ascii]
	if row == nil {
		return
	}
	if *available {
		row.Verdict = verdict.Available
	} else {
		row.Verdict = verdict.Taken
	}
	row.Detail = detail
}

// rdapCandidates lists the rows that still need authoritative
// confirmation: everything the pre-check did not settle as delegated.
// Rows with live NS records are presumed taken and skipped to conserve
// rate-limited RDAP calls.
func (p *Pipeline) rdapCandidates(id uint64, checked []normalize.DomainIdentity, extra []rdapTarget) ([]rdapTarget, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.runID {
		return nil, false
	}

	seen := make(map[string]bool, len(checked)+len(extra))
	var targets []rdapTarget
	for _, d := range checked {
		row := p.rows[d.ASCII]
		if row == nil || row.DNSStatus == doh.StatusHasNS || seen[d.ASCII] {
			continue
		}
		seen[d.ASCII] = true
		targets = append(targets, rdapTarget{ascii: d.ASCII, tld: d.TLD})
	}
	for _, t := range extra {
		if seen[t.ascii] {
			continue
		}
		seen[t.ascii] = true
		targets = append(targets, t)
	}
	return targets, true
}

func (p *Pipeline) enterRDAPStage(id uint64, total int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.runID {
		return false
	}
	p.stage = StageRDAP
	p.rdapTotal = total
	p.rdapDone = 0
	return true
}

func (p *Pipeline) finish(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.runID {
		return
	}
	p.stage = StageDone
	for _, row := range p.rows {
		p.metrics.RecordVerdict(string(row.Verdict))
	}
	p.metrics.RecordRun("done")
	p.closeDoneLocked()
	p.logger.Info("Run finished",
		zap.Uint64("run_id", id),
		zap.Int("rows", len(p.rows)),
	)
}

func (p *Pipeline) fail(id uint64, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != p.runID {
		return
	}
	p.stage = StageErr
	p.errMsg = msg
	p.metrics.RecordRun("error")
	p.closeDoneLocked()
	p.logger.Error("Run failed", zap.Uint64("run_id", id), zap.String("error", msg))
}

// Done returns a channel closed when the current run reaches a terminal
// stage. Superseding the run (Start, RetryFailed, Reset) replaces the
// channel, so callers should re-fetch it after those operations.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// Progress reports per-stage completion counters for the current run.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Progress{
		RunID:     p.runID,
		Stage:     p.stage,
		DNSTotal:  p.dnsTotal,
		DNSDone:   p.dnsDone,
		RDAPTotal: p.rdapTotal,
		RDAPDone:  p.rdapDone,
		Error:     p.errMsg,
	}
}

// Snapshot returns a copy of every row in stable order, keyed by ASCII
// form rather than completion order so output is deterministic.
func (p *Pipeline) Snapshot() []Row {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := make([]Row, 0, len(p.rows))
	for _, row := range p.rows {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ASCII < rows[j].ASCII })
	return rows
}
