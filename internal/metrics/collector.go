package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the pipeline's prometheus metrics. A nil Collector is
// valid and records nothing, so the pipeline can run without metrics
// in tests and in the CLI.
type Collector struct {
	checksTotal   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	verdictsTotal *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
	staleDropped  prometheus.Counter
	queueDepth    *prometheus.GaugeVec
}

func NewCollector() *Collector {
	return &Collector{
		checksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domiro_checks_total",
				Help: "Per-domain checks completed, by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		checkDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "domiro_check_duration_seconds",
				Help:    "Duration of per-domain checks in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		verdictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domiro_verdicts_total",
				Help: "Final verdicts per finished row",
			},
			[]string{"verdict"},
		),
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domiro_runs_total",
				Help: "Pipeline runs by terminal state",
			},
			[]string{"state"},
		),
		staleDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "domiro_stale_results_dropped_total",
				Help: "Task completions discarded because their run was superseded",
			},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "domiro_queue_depth",
				Help: "Tasks submitted but not yet started, per stage pool",
			},
			[]string{"stage"},
		),
	}
}

func (c *Collector) RecordCheck(stage, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.checksTotal.WithLabelValues(stage, outcome).Inc()
	c.checkDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func (c *Collector) RecordVerdict(verdict string) {
	if c == nil {
		return
	}
	c.verdictsTotal.WithLabelValues(verdict).Inc()
}

func (c *Collector) RecordRun(state string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(state).Inc()
}

func (c *Collector) RecordStaleDrop() {
	if c == nil {
		return
	}
	c.staleDropped.Inc()
}

func (c *Collector) SetQueueDepth(stage string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(stage).Set(float64(depth))
}
