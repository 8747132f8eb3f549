// SPDX-License-Identifier: MIT
package transport

import (
	"sync"
	"time"

	"sdrpipe/internal/analysis"
	applog "sdrpipe/internal/log"
	"sdrpipe/internal/stream"
)

// DefaultSpectrumInterval limits spectrum events to ten per second per device.
const DefaultSpectrumInterval = 100 * time.Millisecond

// EventReporter turns pipeline reports into transport events. Every
// throughput report is sent; spectrum results are thinned to at most one per
// device per interval, since analysis runs once per acquired block.
type EventReporter struct {
	transport Transport
	interval  time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

var (
	_ stream.Reporter = (*EventReporter)(nil)
	_ analysis.Sink   = (*EventReporter)(nil)
)

// NewEventReporter sends to t. interval <= 0 uses DefaultSpectrumInterval.
func NewEventReporter(t Transport, interval time.Duration) *EventReporter {
	if interval <= 0 {
		interval = DefaultSpectrumInterval
	}
	return &EventReporter{
		transport: t,
		interval:  interval,
		now:       time.Now,
		last:      make(map[string]time.Time),
	}
}

func (r *EventReporter) ReportThroughput(t stream.Throughput) {
	if err := r.transport.Send(NewThroughputEvent(t)); err != nil {
		applog.Warnf("Transport: throughput event for %s: %v", t.Device, err)
	}
}

func (r *EventReporter) ReportSpectrum(device string, res analysis.Result) {
	now := r.now()
	r.mu.Lock()
	if last, ok := r.last[device]; ok && now.Sub(last) < r.interval {
		r.mu.Unlock()
		return
	}
	r.last[device] = now
	r.mu.Unlock()

	if err := r.transport.Send(NewSpectrumEvent(device, now, res)); err != nil {
		applog.Debugf("Transport: spectrum event for %s: %v", device, err)
	}
}
