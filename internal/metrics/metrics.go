package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sama"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of service exits, labeled by how the exit was reached.",
		}, []string{"name", "how"},
	)
	processFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "unexpected_exits_total",
			Help:      "Number of services that exited without being asked to.",
		}, []string{"name"},
	)
	processPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "phase",
			Help:      "Current phase of each service (1 = active phase, 0 = inactive).",
		}, []string{"name", "phase"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of each service process.",
		}, []string{"name"},
	)
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of each service process.",
		}, []string{"name"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit state per downstream (0 = closed, 1 = open, 2 = half_open).",
		}, []string{"downstream"},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Number of circuit state transitions.",
		}, []string{"downstream", "from", "to"},
	)

	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxied requests by downstream and outcome.",
		}, []string{"downstream", "outcome"},
	)
	proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of requests that reached a downstream.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"downstream"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processFailures, processPhase, processRSS, processCPU,
		breakerState, breakerTransitions, proxyRequests, proxyDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name, how string) {
	if regOK.Load() {
		processStops.WithLabelValues(name, how).Inc()
	}
}

func IncUnexpectedExit(name string) {
	if regOK.Load() {
		processFailures.WithLabelValues(name).Inc()
	}
}

var phases = []string{"starting", "running", "stopping", "stopped", "failed"}

// SetPhase marks phase as the only active phase of name.
func SetPhase(name, phase string) {
	if !regOK.Load() {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		processPhase.WithLabelValues(name, p).Set(v)
	}
}

func SetResources(name string, rss uint64, cpu float64) {
	if regOK.Load() {
		processRSS.WithLabelValues(name).Set(float64(rss))
		processCPU.WithLabelValues(name).Set(cpu)
	}
}

// ForgetResources drops resource gauges of a service that is gone.
func ForgetResources(name string) {
	if regOK.Load() {
		processRSS.DeleteLabelValues(name)
		processCPU.DeleteLabelValues(name)
	}
}

// RecordBreakerTransition has the signature of a breaker change observer
// once the states are converted to strings and numeric values.
func RecordBreakerTransition(downstream, from, to string, toValue int) {
	if regOK.Load() {
		breakerTransitions.WithLabelValues(downstream, from, to).Inc()
		breakerState.WithLabelValues(downstream).Set(float64(toValue))
	}
}

func ObserveProxy(downstream, outcome string, seconds float64) {
	if !regOK.Load() {
		return
	}
	proxyRequests.WithLabelValues(downstream, outcome).Inc()
	if seconds >= 0 {
		proxyDuration.WithLabelValues(downstream).Observe(seconds)
	}
}
