package main

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/serialmux"
)

// openLink picks the vehicle link: disabled, simulated, or the configured
// serial device.
func openLink(cfg *config.ControlConfig, dev, disabled bool) (serialmux.SerialMuxInterface, error) {
	switch {
	case disabled:
		return serialmux.NewDisabledSerialMux(), nil
	case dev:
		return serialmux.NewMockSerialMux(), nil
	}
	path, opts := cfg.GetSerialPort(), cfg.PortOptions()
	link, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	monitoring.Logf("opened vehicle link on %s (%s)", path, opts)
	return link, nil
}

// superviseLink runs Monitor and, whenever the link drops, reopens it every
// retry until it connects again. It returns when ctx is done.
func superviseLink(ctx context.Context, link serialmux.SerialMuxInterface, retry time.Duration) {
	for {
		if err := link.Monitor(ctx); err != nil && ctx.Err() == nil {
			monitoring.Logf("vehicle link: monitor stopped: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		for link.Status() != serialmux.Connected {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			if err := link.Connect(); err != nil {
				monitoring.Debugf("vehicle link: reconnect failed: %v", err)
				continue
			}
			monitoring.Logf("vehicle link reconnected")
		}
	}
}

// logVehicleLines reports what the vehicle sends back. Errors are always
// logged, everything else only in verbose mode.
func logVehicleLines(ctx context.Context, link serialmux.SerialMuxInterface) {
	id, lines := link.Subscribe()
	defer link.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.EventTypeError:
				monitoring.Logf("vehicle reported: %s", line)
			case serialmux.EventTypeTelemetry:
				monitoring.Debugf("vehicle telemetry: %v", serialmux.ParseTelemetry(line))
			default:
				monitoring.Debugf("vehicle: %s", line)
			}
		}
	}
}
