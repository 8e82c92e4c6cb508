//go:build pyroscope
// +build pyroscope

// Package profiling optionally ships continuous profiles to Pyroscope.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start initializes Pyroscope profiling from the PYROSCOPE_* environment
// variables. The returned stop function flushes pending profiles.
func Start(log *logging.Logger, identifier string) (func(), error) {
	log.Info("Starting Pyroscope")

	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return nil, errors.New("PYROSCOPE_SERVER_ADDRESS is not set")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "mrps.server"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"identifier": identifier,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started at %s, app name: %s", serverAddress, appName)
	return func() {
		if err := p.Stop(); err != nil {
			log.Warningf("Failed to stop Pyroscope: %v", err)
		}
	}, nil
}
