package common

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cdpdriver"

// Metrics collects protocol and navigation statistics of one browser
// connection into its own registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commands           *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	navigations        *prometheus.CounterVec
	navigationDuration prometheus.Histogram
	sessions           prometheus.Gauge
	droppedMessages    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Protocol commands executed, by method and outcome.",
		}, []string{"method", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Round trip time of protocol commands.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"method"}),
		navigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "navigations_total",
			Help:      "Frame navigations, by outcome.",
		}, []string{"outcome"}),
		navigationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "navigation_duration_seconds",
			Help:      "Time until a navigation satisfied its lifecycle condition.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 8),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently attached.",
		}),
		droppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_messages_total",
			Help:      "Messages received for unknown sessions or commands.",
		}),
	}
	m.registry.MustRegister(
		m.commands, m.commandDuration,
		m.navigations, m.navigationDuration,
		m.sessions, m.droppedMessages,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeCommand(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(method, outcome(err)).Inc()
	m.commandDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) observeNavigation(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.navigations.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.navigationDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) sessionAttached() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionDetached() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) messageDropped() {
	if m != nil {
		m.droppedMessages.Inc()
	}
}

func outcome(err error) string {
	var (
		perr *ProtocolError
		nerr *NavigationError
		terr *TerminationError
		xerr *TransportError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimedOut):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &nerr):
		return "navigation_error"
	case errors.As(err, &perr):
		return "protocol_error"
	case errors.As(err, &terr), errors.As(err, &xerr):
		return "closed"
	default:
		return "error"
	}
}
