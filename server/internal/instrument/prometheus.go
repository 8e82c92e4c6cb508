//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the server's Prometheus metrics.
package instrument

import (
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrps/mrps/core/wire"
	"github.com/mrps/mrps/server/internal/glue"
)

var (
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrps_commands_total",
			Help: "Number of commands received",
		},
		[]string{"command"},
	)
	commandErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrps_command_errors_total",
			Help: "Number of commands answered with an error, by error kind",
		},
		[]string{"command", "kind"},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mrps_authentication_failures_total",
			Help: "Number of failed login attempts",
		},
	)
	reportsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mrps_reports_created_total",
			Help: "Number of reports stored",
		},
	)
	incomingConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mrps_incoming_total_connections",
			Help: "Number of accepted connections",
		},
	)
	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mrps_active_connections",
			Help: "Number of connections currently being served",
		},
	)
)

func init() {
	prometheus.MustRegister(commands)
	prometheus.MustRegister(commandErrors)
	prometheus.MustRegister(authFailures)
	prometheus.MustRegister(reportsCreated)
	prometheus.MustRegister(incomingConns)
	prometheus.MustRegister(activeConns)
}

// StartPrometheusListener serves the registered metrics on the configured
// MetricsAddress. It returns nil when no address is configured.
func StartPrometheusListener(glue glue.Glue) io.Closer {
	addr := glue.Config().Server.MetricsAddress
	if addr == "" {
		return nil
	}
	log := glue.LogBackend().GetLogger("instrument")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          glue.LogBackend().GetGoLogger("instrument", "WARNING"),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics listener failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on http://%v/metrics", addr)
	return srv
}

// Command increments the counter for a received command.
func Command(tag string) {
	commands.With(prometheus.Labels{"command": label(tag)}).Inc()
}

// CommandError increments the counter for a command answered with an error.
func CommandError(tag, kind string) {
	commandErrors.With(prometheus.Labels{"command": label(tag), "kind": kind}).Inc()
}

// AuthFailure increments the counter for failed logins.
func AuthFailure() {
	authFailures.Inc()
}

// ReportCreated increments the counter for stored reports.
func ReportCreated() {
	reportsCreated.Inc()
}

// Incoming records a newly accepted connection.
func Incoming() {
	incomingConns.Inc()
	activeConns.Inc()
}

// Closed records a connection that finished.
func Closed() {
	activeConns.Dec()
}

// label bounds the label cardinality to the known request tags.
func label(tag string) string {
	if wire.IsKnown(tag) {
		return tag
	}
	return "unknown"
}
