// Package metrics holds the Prometheus collectors shared by the capture,
// trigger, pipeline and shadow components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defect_pipeline_runs_total",
		Help: "Total number of media pipeline runs by result",
	}, []string{"result"})

	PipelineRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "defect_pipeline_run_duration_seconds",
		Help:    "Wall time of a single media pipeline run",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	TriggerFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defect_trigger_fires_total",
		Help: "Total number of debounced trigger fires per workflow",
	}, []string{"workflow"})

	TriggerHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "defect_trigger_healthy",
		Help: "1 if the workflow trigger controller reports healthy, 0 otherwise",
	}, []string{"workflow"})

	CaptureTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defect_capture_tasks_total",
		Help: "Scheduled capture tasks by terminal status",
	}, []string{"status"})

	CaptureShotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defect_capture_shots_total",
		Help: "Individual capture shots by result",
	}, []string{"result"})

	ShadowOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defect_shadow_ops_total",
		Help: "Shadow document operations by op and result",
	}, []string{"op", "result"})
)

// ObservePipelineRun records the outcome and duration of one pipeline run.
func ObservePipelineRun(result string, d time.Duration) {
	if result == "" {
		result = "unknown"
	}
	PipelineRunsTotal.WithLabelValues(result).Inc()
	PipelineRunDuration.Observe(d.Seconds())
}

// IncTriggerFire records a trigger fire for a workflow.
func IncTriggerFire(workflow string) {
	TriggerFiresTotal.WithLabelValues(workflow).Inc()
}

// SetTriggerHealthy updates the health gauge for a workflow.
func SetTriggerHealthy(workflow string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	TriggerHealthy.WithLabelValues(workflow).Set(v)
}

// IncCaptureTask records a capture task reaching a terminal status.
func IncCaptureTask(status string) {
	CaptureTasksTotal.WithLabelValues(status).Inc()
}

// IncCaptureShot records a single capture shot.
func IncCaptureShot(result string) {
	CaptureShotsTotal.WithLabelValues(result).Inc()
}

// IncShadowOp records a shadow store operation.
func IncShadowOp(op, result string) {
	ShadowOpsTotal.WithLabelValues(op, result).Inc()
}
