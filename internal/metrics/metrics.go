// Package metrics exposes the watchdog's Prometheus collectors. The
// recording helpers are no-ops until Register has been called, so the
// rest of the code can record unconditionally.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gamemon"

var (
	regOK atomic.Bool

	cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "cycles_total",
			Help:      "Number of completed poll cycles.",
		},
	)
	skippedCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "skipped_cycles_total",
			Help:      "Number of poll cycles skipped, by reason.",
		}, []string{"reason"},
	)
	episodesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "episodes_started_total",
			Help:      "Number of presence episodes detected.",
		}, []string{"entry"},
	)
	episodesEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "episodes_ended_total",
			Help:      "Number of presence episodes whose end commands completed.",
		}, []string{"entry"},
	)
	activeMonitors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Current number of live monitor tasks.",
		},
	)
	stopSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "stop_signals_total",
			Help:      "Stop signals sent to monitors, by outcome.",
		}, []string{"outcome"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "runs_total",
			Help:      "Commands run, by phase and result.",
		}, []string{"phase", "result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Wall time of individual commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		cycles, skippedCycles, episodesStarted, episodesEnded,
		activeMonitors, stopSignals, commands, commandDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler serves the metrics registered with the default gatherer
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func IncCycle() {
	if regOK.Load() {
		cycles.Inc()
	}
}

func IncSkipped(reason string) {
	if regOK.Load() {
		skippedCycles.WithLabelValues(reason).Inc()
	}
}

func IncEpisodeStarted(entry string) {
	if regOK.Load() {
		episodesStarted.WithLabelValues(entry).Inc()
		activeMonitors.Inc()
	}
}

func IncEpisodeEnded(entry string) {
	if regOK.Load() {
		episodesEnded.WithLabelValues(entry).Inc()
		activeMonitors.Dec()
	}
}

func IncStopSignal(outcome string) {
	if regOK.Load() {
		stopSignals.WithLabelValues(outcome).Inc()
	}
}

func ObserveCommand(phase string, ok bool, d time.Duration) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "failed"
		}
		commands.WithLabelValues(phase, result).Inc()
		commandDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}
