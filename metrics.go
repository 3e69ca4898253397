package main

import (
	"github.com/genesistracer/tracer/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	accountCountTotal prometheus.Gauge

	apiDuration *prometheus.HistogramVec
	apiTotals   *prometheus.CounterVec
	apiInFlight *prometheus.GaugeVec

	resolveDuration prometheus.Histogram
	resolveTotals   *prometheus.CounterVec

	vendorDuration prometheus.ObserverVec
	vendorErrors   *prometheus.CounterVec

	sessionCached    prometheus.Gauge
	sessionRefreshes *prometheus.CounterVec

	eventsPublished   *prometheus.CounterVec
	geofenceDecisions *prometheus.CounterVec

	tracerState prometheus.Gauge
)

func setupMetrics() {
	accountCountTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracer_accounts_total",
		Help: "Number of stored accounts, manager included.",
	})

	apiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracer_api_duration_seconds",
		Help:    "Duration of front door requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "op"})
	apiTotals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_api_requests_total",
		Help: "Number of front door requests.",
	}, []string{"method", "op", "code"})
	apiInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracer_api_in_flight",
		Help: "Number of in flight front door requests.",
	}, []string{"method", "op"})

	resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracer_resolve_duration_seconds",
		Help:    "Duration of MAC resolutions.",
		Buckets: prometheus.ExponentialBuckets(.05, 2, 10),
	})
	resolveTotals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_resolve_total",
		Help: "Number of MAC resolutions by outcome.",
	}, []string{"outcome"})

	vendorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracer_vendor_call_duration_seconds",
		Help:    "Duration of vendor API calls.",
		Buckets: prometheus.LinearBuckets(.05, .25, 10),
	}, []string{"op"})
	vendorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_vendor_call_errors_total",
		Help: "Number of failed vendor API calls.",
	}, []string{"op", "kind"})

	sessionCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracer_vendor_session_cached",
		Help: "1 while a vendor session is cached.",
	})
	sessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_vendor_session_refresh_total",
		Help: "Number of vendor logins by result.",
	}, []string{"result"})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_events_published_total",
		Help: "Number of events published to the broker.",
	}, []string{"event", "result"})
	geofenceDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracer_geofence_decisions_total",
		Help: "Number of geofence decisions.",
	}, []string{"decision"})

	tracerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracer_state",
		Help: "Reports tracer state, 0:started, 1:opening store, 2:ready",
	})

	logger.Info("initializing label values")
	var labels []prometheus.Labels

	labels = []prometheus.Labels{{"outcome": "resolved"}}
	for _, k := range []resolver.Kind{
		resolver.KindInvalidInput,
		resolver.KindAuth,
		resolver.KindNotFoundInLibrary,
		resolver.KindNotFoundInDevices,
		resolver.KindNetwork,
	} {
		labels = append(labels, prometheus.Labels{"outcome": string(k)})
	}
	initCounterLabels(resolveTotals, labels)

	labels = []prometheus.Labels{
		{"op": "login"},
		{"op": "search"},
		{"op": "devices"},
		{"op": "reverseLogin"},
	}
	initObserverLabels(vendorDuration, labels)

	labels = []prometheus.Labels{{"result": "ok"}, {"result": "error"}}
	initCounterLabels(sessionRefreshes, labels)

	labels = []prometheus.Labels{
		{"method": "Lookup", "op": ""},
		{"method": "InstallerLogin", "op": ""},
		{"method": "InstallerDevices", "op": ""},
	}
	initGaugeLabels(apiInFlight, labels)
	initObserverLabels(apiDuration, labels)
}

func initObserverLabels(m prometheus.ObserverVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}

func initGaugeLabels(m *prometheus.GaugeVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}

func initCounterLabels(m *prometheus.CounterVec, l []prometheus.Labels) {
	for _, labels := range l {
		m.With(labels)
	}
}
