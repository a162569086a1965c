package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls            prometheus.Gauge
	WebhookEvents          *prometheus.CounterVec
	AdmissionOutcomes      *prometheus.CounterVec
	CallOutcomes           *prometheus.CounterVec
	DroppedFrames          *prometheus.CounterVec
	BargeIns               prometheus.Counter
	UpstreamErrors         *prometheus.CounterVec
	CapacityReleaseRetries prometheus.Counter
	WorkflowRuns           *prometheus.CounterVec
	WorkflowJobRetries     prometheus.Counter
	STTLatency             prometheus.Histogram
	BrainFirstToken        prometheus.Histogram
	TTSLatency             prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions.",
		}),
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider webhook events by type and result.",
		}, []string{"event", "result"}),
		AdmissionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_outcomes_total",
			Help:      "Capacity admission decisions by outcome.",
		}, []string{"outcome"}),
		CallOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Terminal call states by state and cause.",
		}, []string{"state", "cause"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_media_frames_total",
			Help:      "Media frames dropped by direction.",
		}, []string{"direction"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions that preempted playback.",
		}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Errors from external services by service and code.",
		}, []string{"service", "code"}),
		CapacityReleaseRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_release_retries_total",
			Help:      "Retried capacity slot releases after store errors.",
		}),
		WorkflowRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by trigger and status.",
		}, []string{"trigger", "status"}),
		WorkflowJobRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_job_retries_total",
			Help:      "Workflow jobs re-enqueued after a failed run.",
		}),
		STTLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_ms",
			Help:      "Speech recognition latency per segment in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 1000, 1500, 2500},
		}),
		BrainFirstToken: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "brain_first_token_ms",
			Help:      "Latency to the first brain token in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		TTSLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_latency_ms",
			Help:      "Synthesis latency per phrase in milliseconds.",
			Buckets:   []float64{100, 200, 350, 500, 750, 1000, 1500, 3000},
		}),
	}
}

func (m *Metrics) ObserveSTTLatency(d time.Duration) {
	m.STTLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveBrainFirstToken(d time.Duration) {
	m.BrainFirstToken.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTTSLatency(d time.Duration) {
	m.TTSLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
