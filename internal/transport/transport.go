// SPDX-License-Identifier: MIT
package transport

import (
	"errors"
	"time"

	"sdrpipe/internal/analysis"
	"sdrpipe/internal/stream"
)

// Transport defines a generic interface for sending pipeline events.
// Implementations should be thread-safe and must not block the caller for
// long: events are sent from acquisition and analysis goroutines.
type Transport interface {
	Send(data any) error
	Close() error
}

// ThroughputEvent is the wire form of a stream.Throughput report.
type ThroughputEvent struct {
	Type         string  `json:"type"`
	Device       string  `json:"device"`
	Final        bool    `json:"final"`
	Elapsed      float64 `json:"elapsedSeconds"`
	Msps         float64 `json:"msps"`
	MBps         float64 `json:"mbps"`
	Overflows    uint64  `json:"overflows"`
	Underflows   uint64  `json:"underflows"`
	TotalSamples uint64  `json:"totalSamples"`
	Dropped      uint64  `json:"dropped"`
}

// SpectrumEvent is the wire form of one analysis.Result.
type SpectrumEvent struct {
	Type    string  `json:"type"`
	Device  string  `json:"device"`
	Time    int64   `json:"time"` // nanoseconds since epoch
	MaxDB   float64 `json:"maxDb"`
	MinDB   float64 `json:"minDb"`
	MeanDB  float64 `json:"meanDb"`
	RMSDB   float64 `json:"rmsDb"`
	Bins    int     `json:"bins"`
	PeakBin int     `json:"peakBin"`
}

func NewThroughputEvent(t stream.Throughput) ThroughputEvent {
	return ThroughputEvent{
		Type:         "throughput",
		Device:       t.Device,
		Final:        t.Final,
		Elapsed:      t.Elapsed.Seconds(),
		Msps:         t.Msps(),
		MBps:         t.MBps(),
		Overflows:    t.Overflows,
		Underflows:   t.Underflows,
		TotalSamples: t.TotalSamples,
		Dropped:      t.Dropped,
	}
}

func NewSpectrumEvent(device string, at time.Time, r analysis.Result) SpectrumEvent {
	return SpectrumEvent{
		Type:    "spectrum",
		Device:  device,
		Time:    at.UnixNano(),
		MaxDB:   r.MaxDB,
		MinDB:   r.MinDB,
		MeanDB:  r.MeanDB,
		RMSDB:   r.RMSDB,
		Bins:    r.Bins,
		PeakBin: r.PeakBin,
	}
}

// MultiTransport sends every event to each of its transports.
type MultiTransport struct {
	transports []Transport
}

// NewMultiTransport fans out to ts; nil entries are skipped.
func NewMultiTransport(ts ...Transport) *MultiTransport {
	m := &MultiTransport{}
	for _, t := range ts {
		if t != nil {
			m.transports = append(m.transports, t)
		}
	}
	return m
}

// Len is the number of transports fanned out to.
func (m *MultiTransport) Len() int { return len(m.transports) }

// Send delivers data to every transport and joins their errors.
func (m *MultiTransport) Send(data any) error {
	var errs []error
	for _, t := range m.transports {
		if err := t.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiTransport) Close() error {
	var errs []error
	for _, t := range m.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Transport = (*MultiTransport)(nil)
