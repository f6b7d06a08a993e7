package pipeline

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/dgallion1/docsum/internal/doctree"
	"github.com/dgallion1/docsum/internal/state"
)

// Metrics records pipeline activity in Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	stageDuration  *prom.HistogramVec
	stageResults   *prom.CounterVec
	retries        *prom.CounterVec
	fallbacks      *prom.CounterVec
	callDuration   *prom.HistogramVec
	blocks         *prom.CounterVec
	blocksInReview prom.Counter
	checkpoints    *prom.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// gets a private registry.
func NewMetrics(reg prom.Registerer) *Metrics {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	m := &Metrics{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "docsum",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages including retries",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docsum",
			Name:      "stage_results_total",
			Help:      "Stage outcomes by result",
		}, []string{"stage", "result"}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docsum",
			Name:      "stage_retries_total",
			Help:      "Stage attempts repeated after a capability failure",
		}, []string{"stage"}),
		fallbacks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docsum",
			Name:      "stage_fallbacks_total",
			Help:      "Strategy switches by stage and target strategy",
		}, []string{"stage", "strategy"}),
		callDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "docsum",
			Name:      "capability_call_duration_seconds",
			Help:      "Latency of external capability calls",
			Buckets:   prom.ExponentialBuckets(0.005, 4, 9),
		}, []string{"capability", "op", "result"}),
		blocks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docsum",
			Name:      "blocks_classified_total",
			Help:      "Classified content blocks by kind",
		}, []string{"kind"}),
		blocksInReview: prom.NewCounter(prom.CounterOpts{
			Namespace: "docsum",
			Name:      "blocks_needing_review_total",
			Help:      "Classified content blocks flagged for review",
		}),
		checkpoints: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docsum",
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint writes by slot and result",
		}, []string{"slot", "result"}),
	}
	reg.MustRegister(m.stageDuration, m.stageResults, m.retries, m.fallbacks,
		m.callDuration, m.blocks, m.blocksInReview, m.checkpoints)
	return m
}

func (m *Metrics) observeStage(stage state.Stage, d time.Duration, result string) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	m.stageResults.WithLabelValues(string(stage), result).Inc()
}

func (m *Metrics) incRetry(stage state.Stage) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) incFallback(stage state.Stage, to Strategy) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(string(stage), string(to)).Inc()
}

func (m *Metrics) observeCall(capability, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(capability, op, resultLabel(err)).Observe(d.Seconds())
}

func (m *Metrics) observeClassified(doc *doctree.ClassifiedDocument) {
	if m == nil || doc == nil {
		return
	}
	for kind, n := range doc.KindCounts() {
		m.blocks.WithLabelValues(string(kind)).Add(float64(n))
	}
	m.blocksInReview.Add(float64(doc.TotalNeedingReview()))
}

func (m *Metrics) incCheckpoint(stage state.Stage, err error) {
	if m == nil {
		return
	}
	slot := string(stage)
	if slot == "" {
		slot = "adhoc"
	}
	m.checkpoints.WithLabelValues(slot, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
