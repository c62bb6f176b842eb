// Package metrics holds the Prometheus collectors of one pipeline factory.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "capturepipe"

// Metrics holds all collectors. Each factory registers its own set, so
// several factories can share a process when given separate registries.
type Metrics struct {
	// Factory
	FramesCreated   *prometheus.CounterVec
	FramesCompleted *prometheus.CounterVec
	FactoryState    *prometheus.GaugeVec
	Transitions     *prometheus.CounterVec

	// Stages
	StageFrames     *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	StageIdle       *prometheus.CounterVec
	StageQueueDepth *prometheus.GaugeVec
	StageErrors     *prometheus.CounterVec

	// Geometry
	GeometryFallbacks *prometheus.CounterVec

	// Status server
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_created_total",
			Help:      "Frames built by the factory",
		}, []string{"variant"}),
		FramesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_completed_total",
			Help:      "Frames delivered to the completion queue",
		}, []string{"variant", "result"}),
		FactoryState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "factory_state",
			Help:      "Current factory lifecycle state (0=none 1=create 2=init 3=run)",
		}, []string{"variant"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "factory_transitions_total",
			Help:      "Factory lifecycle transitions",
		}, []string{"variant", "to", "result"}),
		StageFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_frames_total",
			Help:      "Frames handled per stage",
		}, []string{"stage", "result"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_transform_seconds",
			Help:      "Transform duration per stage",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),
		StageIdle: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_idle_total",
			Help:      "Queue wait timeouts per stage",
		}, []string{"stage"}),
		StageQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_queue_depth",
			Help:      "Frames waiting in the stage input queue",
		}, []string{"stage"}),
		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Stage errors by category",
		}, []string{"stage", "category"}),
		GeometryFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geometry_fallbacks_total",
			Help:      "Taps that degraded to the identity crop",
		}, []string{"tap"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status server requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status server request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// RecordHTTPRequest records one status server request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// NewUnregistered returns collectors bound to a private registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Stage is the per-stage view handed to a pipe.
type Stage struct {
	m    *Metrics
	name string
}

// ForStage returns the per-stage view. A nil receiver yields a no-op view.
func (m *Metrics) ForStage(name string) *Stage {
	return &Stage{m: m, name: name}
}

// Observe records one processed frame.
func (s *Stage) Observe(result string, d time.Duration) {
	if s == nil || s.m == nil {
		return
	}
	s.m.StageFrames.WithLabelValues(s.name, result).Inc()
	s.m.StageDuration.WithLabelValues(s.name).Observe(d.Seconds())
}

// Idle records one empty queue wait.
func (s *Stage) Idle() {
	if s == nil || s.m == nil {
		return
	}
	s.m.StageIdle.WithLabelValues(s.name).Inc()
}

// QueueDepth records the input queue depth.
func (s *Stage) QueueDepth(n int) {
	if s == nil || s.m == nil {
		return
	}
	s.m.StageQueueDepth.WithLabelValues(s.name).Set(float64(n))
}

// Error records one error by category.
func (s *Stage) Error(category string) {
	if s == nil || s.m == nil {
		return
	}
	s.m.StageErrors.WithLabelValues(s.name, category).Inc()
}
