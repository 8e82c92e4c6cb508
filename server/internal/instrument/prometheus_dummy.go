//go:build noprometheus
// +build noprometheus

package instrument

import (
	"io"

	"github.com/mrps/mrps/server/internal/glue"
)

// StartPrometheusListener does nothing
func StartPrometheusListener(glue glue.Glue) io.Closer {
	glue.LogBackend().GetLogger("instrument").Info("Metrics are disabled")
	return nil
}

// Command increments the counter for a received command
func Command(tag string) {}

// CommandError increments the counter for a command answered with an error
func CommandError(tag, kind string) {}

// AuthFailure increments the counter for failed logins
func AuthFailure() {}

// ReportCreated increments the counter for stored reports
func ReportCreated() {}

// Incoming records a newly accepted connection
func Incoming() {}

// Closed records a connection that finished
func Closed() {}
