package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage names used in logs, metrics and errors.
const (
	StageRegister = "register"
	StageMask     = "mask"
	StagePairwise = "pairwise"
	StageSolve    = "solve"
	StageResample = "resample"
	StagePyramid  = "pyramid"
)

// Outcomes of a stage execution.
const (
	outcomeOK      = "ok"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histostack",
			Name:      "stage_total",
			Help:      "Stage executions per section by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "histostack",
			Name:      "stage_duration_seconds",
			Help:      "Duration of one stage execution.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histostack",
			Name:      "retries_total",
			Help:      "Retries of transient failures.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) observe(stage, outcome string, start time.Time) {
	m.stageTotal.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
