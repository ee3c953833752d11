// Package metrics holds the Prometheus collectors of the bot.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbot_update_cycles_total",
		Help: "Update cycles by outcome (ok, error, rejected).",
	}, []string{"outcome"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventbot_update_cycle_duration_seconds",
		Help:    "Duration of completed update cycles.",
		Buckets: prometheus.DefBuckets,
	})

	sourceFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbot_source_fetch_total",
		Help: "Source fetch attempts by source and outcome.",
	}, []string{"source", "outcome"})

	eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbot_events_ingested_total",
		Help: "Fetched events by result (inserted, duplicate).",
	}, []string{"result"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbot_deliveries_total",
		Help: "Per-channel delivery attempts by outcome (sent, skipped, failed).",
	}, []string{"outcome"})

	registeredChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventbot_registered_channels",
		Help: "Channels registered at the last cycle.",
	})

	lastCycleSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventbot_last_successful_cycle_timestamp_seconds",
		Help: "Unix time of the last cycle that finished without error.",
	})
)

// MustRegister registers the package collectors once.
func MustRegister(registerer prometheus.Registerer) {
	registerOnce.Do(func() {
		registerer.MustRegister(
			cyclesTotal,
			cycleDuration,
			sourceFetchTotal,
			eventsIngested,
			deliveriesTotal,
			registeredChannels,
			lastCycleSuccess,
		)
	})
}

func CycleRejected() { cyclesTotal.WithLabelValues("rejected").Inc() }

func CycleFinished(d time.Duration, err error) {
	cycleDuration.Observe(d.Seconds())
	if err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		return
	}
	cyclesTotal.WithLabelValues("ok").Inc()
	lastCycleSuccess.SetToCurrentTime()
}

func SourceFetched(source string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sourceFetchTotal.WithLabelValues(source, outcome).Inc()
}

func EventsIngested(inserted, duplicates int) {
	eventsIngested.WithLabelValues("inserted").Add(float64(inserted))
	eventsIngested.WithLabelValues("duplicate").Add(float64(duplicates))
}

func Delivery(outcome string) { deliveriesTotal.WithLabelValues(outcome).Inc() }

func Channels(n int) { registeredChannels.Set(float64(n)) }
