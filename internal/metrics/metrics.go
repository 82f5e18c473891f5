package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	driverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caprun",
			Subsystem: "driver",
			Name:      "starts_total",
			Help:      "Number of successful provider process starts.",
		}, []string{"capability"},
	)
	driverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caprun",
			Subsystem: "driver",
			Name:      "stops_total",
			Help:      "Number of provider process stops (graceful or kill).",
		}, []string{"capability"},
	)
	driverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caprun",
			Subsystem: "driver",
			Name:      "crashes_total",
			Help:      "Number of provider processes that exited outside a requested stop.",
		}, []string{"capability"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caprun",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Number of RPC requests sent to providers.",
		}, []string{"method"},
	)
	rpcFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caprun",
			Subsystem: "rpc",
			Name:      "failures_total",
			Help:      "Number of RPC calls that ended in error or timeout.",
		}, []string{"method"},
	)
	orchestrationIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caprun",
			Subsystem: "orchestration",
			Name:      "iterations_total",
			Help:      "Number of observe/decide/act iteration bodies executed.",
		}, []string{"outcome"},
	)
	orchestrationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "caprun",
			Subsystem: "orchestration",
			Name:      "runs_total",
			Help:      "Number of orchestration runs by terminal outcome.",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{driverStarts, driverStops, driverCrashes, rpcRequests, rpcFailures, orchestrationIterations, orchestrationRuns}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDriverStart(capability string) {
	if regOK.Load() {
		driverStarts.WithLabelValues(capability).Inc()
	}
}

func IncDriverStop(capability string) {
	if regOK.Load() {
		driverStops.WithLabelValues(capability).Inc()
	}
}

func IncDriverCrash(capability string) {
	if regOK.Load() {
		driverCrashes.WithLabelValues(capability).Inc()
	}
}

func IncRPCRequest(method string) {
	if regOK.Load() {
		rpcRequests.WithLabelValues(method).Inc()
	}
}

func IncRPCFailure(method string) {
	if regOK.Load() {
		rpcFailures.WithLabelValues(method).Inc()
	}
}

func IncIteration(outcome string) {
	if regOK.Load() {
		orchestrationIterations.WithLabelValues(outcome).Inc()
	}
}

func IncRun(outcome string) {
	if regOK.Load() {
		orchestrationRuns.WithLabelValues(outcome).Inc()
	}
}
