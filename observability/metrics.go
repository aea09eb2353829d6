// Package observability exposes Prometheus metrics for pool activity and an
// event-emitter decorator that feeds them.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"creditpool/core/events"
)

type poolMetrics struct {
	events *prometheus.CounterVec
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *poolMetrics
)

// PoolMetrics returns the lazily-initialised metrics registry used to record
// pool and allocator engine activity.
func PoolMetrics() *poolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &poolMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditpool",
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Total engine events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(poolRegistry.events)
	})
	return poolRegistry
}

// ObserveEvent increments the counter for an emitted event type.
func (m *poolMetrics) ObserveEvent(eventType string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// MetricsEmitter decorates an event emitter with per-type counters. A nil
// inner emitter counts events without forwarding them.
type MetricsEmitter struct {
	inner events.Emitter
}

// NewMetricsEmitter wraps the given emitter.
func NewMetricsEmitter(inner events.Emitter) *MetricsEmitter {
	return &MetricsEmitter{inner: inner}
}

// Emit records the event type and forwards the event.
func (m *MetricsEmitter) Emit(event events.Event) {
	if m == nil || event == nil {
		return
	}
	PoolMetrics().ObserveEvent(event.EventType())
	if m.inner != nil {
		m.inner.Emit(event)
	}
}
