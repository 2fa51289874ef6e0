package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "unifi_watch"

// Metrics holds the registry and every instrument the pollers and handlers
// touch. One instance lives on the App.
type Metrics struct {
	Registry *prometheus.Registry

	PollRuns     *prometheus.CounterVec
	PollErrors   *prometheus.CounterVec
	PollSkipped  *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec

	TrackedDevices   prometheus.Gauge
	ConnectedDevices prometheus.Gauge

	ThreatsIngested  prometheus.Counter
	ThreatsIgnored   prometheus.Counter
	ThreatsDuplicate prometheus.Counter

	WSClients prometheus.Gauge
}

func NewMetrics(version string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		PollRuns: newCounterVec(registry, "poller", "runs_total",
			"Completed poll cycles per job.", []string{"job"}),
		PollErrors: newCounterVec(registry, "poller", "errors_total",
			"Failed poll cycles per job.", []string{"job"}),
		PollSkipped: newCounterVec(registry, "poller", "skipped_total",
			"Poll ticks skipped because the previous cycle was still running.", []string{"job"}),
		PollDuration: newHistogramVec(registry, "poller", "duration_seconds",
			"Poll cycle duration per job.", []string{"job"}),
		TrackedDevices: newGauge(registry, "stalker", "tracked_devices",
			"Number of tracked devices.", nil),
		ConnectedDevices: newGauge(registry, "stalker", "connected_devices",
			"Tracked devices currently connected.", nil),
		ThreatsIngested: newCounter(registry, "threats", "ingested_total",
			"New threat events stored.", nil),
		ThreatsIgnored: newCounter(registry, "threats", "ignored_total",
			"Threat events stored as ignored by a rule.", nil),
		ThreatsDuplicate: newCounter(registry, "threats", "duplicates_total",
			"Fetched threat events skipped as already stored.", nil),
		WSClients: newGauge(registry, "ws", "clients",
			"Connected websocket clients.", nil),
	}

	infoLabels := prometheus.Labels{"version": version}
	newGauge(registry, "build", "info", "Metadata about the build.", infoLabels).Set(1)
	return m
}

func newCounter(registry *prometheus.Registry, subsystem, name, help string, constLabels prometheus.Labels) prometheus.Counter {
	metric := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	})
	registry.MustRegister(metric)
	return metric
}

func newCounterVec(registry *prometheus.Registry, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	metric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	registry.MustRegister(metric)
	return metric
}

func newGauge(registry *prometheus.Registry, subsystem, name, help string, constLabels prometheus.Labels) prometheus.Gauge {
	metric := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: constLabels,
	})
	registry.MustRegister(metric)
	return metric
}

func newHistogramVec(registry *prometheus.Registry, subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	metric := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
	registry.MustRegister(metric)
	return metric
}
