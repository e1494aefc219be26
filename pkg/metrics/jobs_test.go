package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestJobMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewJobMetrics(reg)
	job := "orphan-presence-sweep"
	metrics.ObserveDuration(job, 1500*time.Millisecond)
	metrics.IncSuccess(job)
	metrics.IncSuccess(job)
	metrics.IncFailure(job)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	success, err := fetchCounterValue(mfs, "job_success", "job", job)
	if err != nil {
		t.Fatal(err)
	}
	if success != 2 {
		t.Fatalf("job_success = %v, want 2", success)
	}

	failure, err := fetchCounterValue(mfs, "job_failure", "job", job)
	if err != nil {
		t.Fatal(err)
	}
	if failure != 1 {
		t.Fatalf("job_failure = %v, want 1", failure)
	}

	sum, err := fetchHistogramSum(mfs, "job_duration_seconds", "job", job)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 1.5 {
		t.Fatalf("job_duration_seconds sum = %v, want 1.5", sum)
	}
}

func TestJobMetricsNilReceiverIsNoop(t *testing.T) {
	var metrics *JobMetrics
	metrics.ObserveDuration("x", time.Second)
	metrics.IncSuccess("x")
	metrics.IncFailure("x")
}
