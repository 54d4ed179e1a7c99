package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports bridge activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	connections    *prometheus.CounterVec
	finishes       *prometheus.CounterVec
	finishDuration *prometheus.HistogramVec
	flows          *prometheus.CounterVec
}

// NewMetrics registers the bridge collectors on reg, or on the default
// registerer when reg is nil
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "iap_bridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published per channel.",
		}, []string{"channel"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Native connection attempts by result.",
		}, []string{"result"}),
		finishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finish_total",
			Help:      "Transaction finish attempts by native action and result.",
		}, []string{"action", "result"}),
		finishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finish_duration_seconds",
			Help:      "Latency of native finish calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alternative_billing_flows_total",
			Help:      "Alternative billing flow steps by flow and outcome.",
		}, []string{"flow", "outcome"}),
	}

	collectors := map[string]prometheus.Collector{
		"events_total":                    m.events,
		"connection_attempts_total":       m.connections,
		"finish_total":                    m.finishes,
		"finish_duration_seconds":         m.finishDuration,
		"alternative_billing_flows_total": m.flows,
	}
	for name, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, fmt.Errorf("register %s metric: %w", name, err)
		}
	}
	return m, nil
}

func (m *Metrics) RecordEvent(channel string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordConnection(err error) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(resultLabel(err)).Inc()
}

// RecordFinish tracks one native finish call
func (m *Metrics) RecordFinish(action string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.finishDuration.WithLabelValues(action).Observe(duration.Seconds())
	m.finishes.WithLabelValues(action, resultLabel(err)).Inc()
}

func (m *Metrics) RecordFlow(flow, outcome string) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(flow, outcome).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
