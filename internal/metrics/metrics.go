package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresmejia3/vigil/internal/types"
)

const namespace = "vigil"

// Metrics holds every collector the pipeline reports to.
// All Record* helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Ingest
	FramesReceived prometheus.Counter
	FramesRejected *prometheus.CounterVec
	SequenceResets prometheus.Counter
	ClipsSealed    prometheus.Counter

	// Queue
	ClipsEnqueued prometheus.Counter
	ClipsDropped  *prometheus.CounterVec
	ClipsDequeued prometheus.Counter
	QueueLength   prometheus.Gauge

	// Inference
	Attempts         prometheus.Counter
	Retries          prometheus.Counter
	InFlight         prometheus.Gauge
	InferenceLatency prometheus.Histogram
	EndpointReady    prometheus.Gauge

	// Outcomes
	Outcomes        *prometheus.CounterVec
	IntegrityErrors prometheus.Counter
	ObserverDropped *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames delivered by the frame source",
		}),
		FramesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames refused by the clip accumulator",
		}, []string{"reason"}),
		SequenceResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_resets_total",
			Help:      "Partial clips discarded because of a sequence discontinuity",
		}),
		ClipsSealed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_sealed_total",
			Help:      "Clips sealed by the accumulator",
		}),
		ClipsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_enqueued_total",
			Help:      "Clips accepted by the dispatch queue",
		}),
		ClipsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_dropped_total",
			Help:      "Clips dropped before dispatch, by reason",
		}, []string{"reason"}),
		ClipsDequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_dequeued_total",
			Help:      "Clips taken off the queue by workers",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Clips currently waiting in the dispatch queue",
		}),
		Attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_attempts_total",
			Help:      "HTTP attempts made against the inference endpoint",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_retries_total",
			Help:      "Attempts beyond the first for a clip",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Clips dispatched and awaiting a result",
		}),
		InferenceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Time from dispatch to resolution, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		EndpointReady: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_ready",
			Help:      "1 when the last health probe reported a loaded model",
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Terminal clip outcomes by state and failure kind",
		}, []string{"state", "kind"}),
		IntegrityErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_errors_total",
			Help:      "Results that arrived for clips with no pending request",
		}),
		ObserverDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_dropped_total",
			Help:      "Outcomes an asynchronous observer had no room for",
		}, []string{"sink"}),
		registry: reg,
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame counts an accepted or rejected frame.
func (m *Metrics) RecordFrame(rejectReason string) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	if rejectReason != "" {
		m.FramesRejected.WithLabelValues(rejectReason).Inc()
	}
}

// RecordSequenceReset counts a discarded partial clip.
func (m *Metrics) RecordSequenceReset() {
	if m == nil {
		return
	}
	m.SequenceResets.Inc()
}

// RecordSealed counts a sealed clip.
func (m *Metrics) RecordSealed() {
	if m == nil {
		return
	}
	m.ClipsSealed.Inc()
}

// RecordEnqueue counts an accepted clip and updates the queue depth.
func (m *Metrics) RecordEnqueue(queueLen int) {
	if m == nil {
		return
	}
	m.ClipsEnqueued.Inc()
	m.QueueLength.Set(float64(queueLen))
}

// RecordDequeue counts a clip taken by a worker.
func (m *Metrics) RecordDequeue(queueLen int) {
	if m == nil {
		return
	}
	m.ClipsDequeued.Inc()
	m.QueueLength.Set(float64(queueLen))
}

// RecordDrop counts a clip that never reached the endpoint.
func (m *Metrics) RecordDrop(reason types.DropReason) {
	if m == nil {
		return
	}
	m.ClipsDropped.WithLabelValues(string(reason)).Inc()
}

// RecordAttempt counts one HTTP attempt; retry is true for attempts after the first.
func (m *Metrics) RecordAttempt(retry bool) {
	if m == nil {
		return
	}
	m.Attempts.Inc()
	if retry {
		m.Retries.Inc()
	}
}

// SetInFlight updates the pending request gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// SetEndpointReady records the last health probe.
func (m *Metrics) SetEndpointReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.EndpointReady.Set(1)
	} else {
		m.EndpointReady.Set(0)
	}
}

// RecordOutcome counts a terminal outcome and, for dispatched clips, its latency.
func (m *Metrics) RecordOutcome(o types.Outcome) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(o.State), string(o.FailureKind)).Inc()
	if o.Attempts > 0 {
		m.InferenceLatency.Observe(o.Latency.Seconds())
	}
}

// RecordIntegrityError counts a late or unknown result.
func (m *Metrics) RecordIntegrityError() {
	if m == nil {
		return
	}
	m.IntegrityErrors.Inc()
}

// RecordObserverDrop counts an outcome an observer could not keep up with.
func (m *Metrics) RecordObserverDrop(sink string) {
	if m == nil {
		return
	}
	m.ObserverDropped.WithLabelValues(sink).Inc()
}

