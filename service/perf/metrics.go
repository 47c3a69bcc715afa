// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsSubSystemCall  = "call"
	metricsSubSystemRTC   = "rtc"
	metricsSubSystemMedia = "media"
	metricsSubSystemAPI   = "api"
)

type Metrics struct {
	registry *prometheus.Registry

	Calls                 prometheus.Gauge
	CallErrorCounters     *prometheus.CounterVec
	NegotiationTime       prometheus.Histogram
	SignalingCounters     *prometheus.CounterVec
	EndpointStateCounters *prometheus.CounterVec
	SubstitutionCounters  *prometheus.CounterVec
	APIRequestCounters    *prometheus.CounterVec
}

func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.Calls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemCall,
			Name:      "active_total",
			Help:      "Total number of connected calls",
		},
	)
	m.registry.MustRegister(m.Calls)

	m.CallErrorCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemCall,
			Name:      "errors_total",
			Help:      "Total number of call errors",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.CallErrorCounters)

	m.NegotiationTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemCall,
			Name:      "negotiation_time",
			Help:      "Time taken to acquire media and connect a call",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
	m.registry.MustRegister(m.NegotiationTime)

	m.SignalingCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "signaling_messages_total",
			Help:      "Total number of signaling messages sent between endpoints",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.SignalingCounters)

	m.EndpointStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "endpoint_states_total",
			Help:      "Total number of endpoint state changes",
		},
		[]string{"role", "state"},
	)
	m.registry.MustRegister(m.EndpointStateCounters)

	m.SubstitutionCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemMedia,
			Name:      "track_substitutions_total",
			Help:      "Total number of outgoing track substitutions",
		},
		[]string{"action"},
	)
	m.registry.MustRegister(m.SubstitutionCounters)

	m.APIRequestCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemAPI,
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"path", "status"},
	)
	m.registry.MustRegister(m.APIRequestCounters)

	return &m
}

func (m *Metrics) IncCalls() {
	m.Calls.Inc()
}

func (m *Metrics) DecCalls() {
	m.Calls.Dec()
}

func (m *Metrics) IncCallErrors(errType string) {
	m.CallErrorCounters.With(prometheus.Labels{"type": errType}).Inc()
}

func (m *Metrics) ObserveNegotiationTime(seconds float64) {
	m.NegotiationTime.Observe(seconds)
}

func (m *Metrics) IncSignalingMessages(sigType string) {
	m.SignalingCounters.With(prometheus.Labels{"type": sigType}).Inc()
}

func (m *Metrics) IncEndpointState(role, state string) {
	m.EndpointStateCounters.With(prometheus.Labels{"role": role, "state": state}).Inc()
}

func (m *Metrics) IncTrackSubstitutions(action string) {
	m.SubstitutionCounters.With(prometheus.Labels{"action": action}).Inc()
}

func (m *Metrics) IncAPIRequests(path, status string) {
	m.APIRequestCounters.With(prometheus.Labels{"path": path, "status": status}).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
