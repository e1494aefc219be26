package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records processing metadata for the observation pipeline.
type PipelineMetrics struct {
	stageDuration *prometheus.HistogramVec
	stageSuccess  *prometheus.CounterVec
	stageFailure  *prometheus.CounterVec
	sweepOutcomes *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stage handlers in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	stageSuccess := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_success",
		Help: "Successful pipeline stage executions.",
	}, []string{"stage"})
	stageFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_failure",
		Help: "Failed pipeline stage executions.",
	}, []string{"stage"})
	sweepOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orphan_sweep_outcomes",
		Help: "Orphan sweep results by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(stageDuration, stageSuccess, stageFailure, sweepOutcomes)
	return &PipelineMetrics{
		stageDuration: stageDuration,
		stageSuccess:  stageSuccess,
		stageFailure:  stageFailure,
		sweepOutcomes: sweepOutcomes,
	}
}

// ObserveStageDuration records the duration for the named stage.
func (p *PipelineMetrics) ObserveStageDuration(stage string, duration time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(normalizeLabel(stage)).Observe(duration.Seconds())
}

// IncStageSuccess increments the success counter for the named stage.
func (p *PipelineMetrics) IncStageSuccess(stage string) {
	if p == nil || p.stageSuccess == nil {
		return
	}
	p.stageSuccess.WithLabelValues(normalizeLabel(stage)).Inc()
}

// IncStageFailure increments the failure counter for the named stage.
func (p *PipelineMetrics) IncStageFailure(stage string) {
	if p == nil || p.stageFailure == nil {
		return
	}
	p.stageFailure.WithLabelValues(normalizeLabel(stage)).Inc()
}

// IncSweepOutcome counts one orphan sweep decision: candidate, retried,
// settled or gave_up.
func (p *PipelineMetrics) IncSweepOutcome(outcome string) {
	if p == nil || p.sweepOutcomes == nil {
		return
	}
	p.sweepOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(label string) string {
	if label == "" {
		return "unknown"
	}
	return label
}
