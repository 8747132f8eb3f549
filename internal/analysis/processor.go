// SPDX-License-Identifier: MIT
package analysis

// Sink receives one result per analyzed block. Implementations run on the
// consumer goroutine and should return quickly.
type Sink interface {
	ReportSpectrum(device string, r Result)
}

// SpectrumProvider exposes the most recent decibel spectrum of one device to
// readers on other goroutines, such as publishers.
type SpectrumProvider interface {
	ID() string
	Latest() (Result, bool)
	// DecibelsInto copies the latest bins into dst and returns the count
	// copied. It fails when dst is shorter than Bins.
	DecibelsInto(dst []float64) (int, error)
	Bins() int
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(device string, r Result)

func (f SinkFunc) ReportSpectrum(device string, r Result) { f(device, r) }
