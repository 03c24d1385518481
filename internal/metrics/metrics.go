package metrics

import (
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asrtd",
			Subsystem: "waiter",
			Name:      "connect_attempts_total",
			Help:      "Push channel connection attempts by result (connected, timeout, failed, no_credential).",
		}, []string{"result"},
	)
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asrtd",
			Subsystem: "waiter",
			Name:      "events_total",
			Help:      "Completion events delivered to a waiter listener.",
		}, []string{"category"},
	)
	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asrtd",
			Subsystem: "waiter",
			Name:      "resolutions_total",
			Help:      "Resolved waits by category and which side arrived first.",
		}, []string{"category", "order"},
	)
	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asrtd",
			Subsystem: "waiter",
			Name:      "evictions_total",
			Help:      "Pending entries dropped from a full recency store.",
		}, []string{"category"},
	)
	activeWaits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "asrtd",
			Subsystem: "waiter",
			Name:      "active_waits",
			Help:      "Waits with an attached listener.",
		}, []string{"category"},
	)
	pushFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asrtd",
			Subsystem: "pushchannel",
			Name:      "frames_total",
			Help:      "Frames read from the push channel by event name and outcome (dispatched, unhandled, invalid).",
		}, []string{"event", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{connectAttempts, eventsReceived, resolutions, evictions, activeWaits, pushFrames}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncConnectAttempt(result string) {
	if regOK.Load() {
		connectAttempts.WithLabelValues(result).Inc()
	}
}

func IncEvent(category string) {
	if regOK.Load() {
		eventsReceived.WithLabelValues(category).Inc()
	}
}

func IncResolution(category, order string) {
	if regOK.Load() {
		resolutions.WithLabelValues(category, order).Inc()
	}
}

func IncEviction(category string) {
	if regOK.Load() {
		evictions.WithLabelValues(category).Inc()
	}
}

func AddActiveWaits(category string, delta float64) {
	if regOK.Load() {
		activeWaits.WithLabelValues(category).Add(delta)
	}
}

func IncPushFrame(event, outcome string) {
	if regOK.Load() {
		pushFrames.WithLabelValues(event, outcome).Inc()
	}
}

// Summary gathers g and returns one attribute per asrtd metric family, the
// value being the sum over all label combinations. Used for the verbose
// end-of-command log line.
func Summary(g prometheus.Gatherer) ([]slog.Attr, error) {
	mfs, err := g.Gather()
	if err != nil {
		return nil, err
	}
	var attrs []slog.Attr
	for _, mf := range mfs {
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		attrs = append(attrs, slog.Float64(mf.GetName(), total))
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs, nil
}
