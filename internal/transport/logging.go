package transport

import (
	applog "sdrpipe/internal/log"
)

// LoggingTransport implements the Transport interface by logging events at
// debug level.
type LoggingTransport struct{}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	applog.Infof("Transport: Using LoggingTransport")
	return &LoggingTransport{}
}

// Send logs the received event.
func (lt *LoggingTransport) Send(data any) error {
	if !applog.Enabled(applog.LevelDebug) {
		return nil
	}
	switch ev := data.(type) {
	case SpectrumEvent:
		applog.Debugf("Transport: %s spectrum max %.2f dB, min %.2f dB, mean %.2f dB, rms %.2f dB",
			ev.Device, ev.MaxDB, ev.MinDB, ev.MeanDB, ev.RMSDB)
	case ThroughputEvent:
		applog.Debugf("Transport: %s throughput %.4g Msps, %d samples (final %v)",
			ev.Device, ev.Msps, ev.TotalSamples, ev.Final)
	default:
		applog.Debugf("Transport: received (%T): %+v", data, data)
	}
	return nil
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	applog.Debugf("Transport: LoggingTransport closed")
	return nil
}

var _ Transport = (*LoggingTransport)(nil)
