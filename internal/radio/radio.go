// SPDX-License-Identifier: MIT
/*
Package radio defines the capability a hardware backend must provide to the
acquisition pipeline, and a registry of the drivers linked into the binary.

A Driver enumerates and opens Devices. A Device is configured (rate,
frequency) and opens Streams. A Stream moves interleaved complex samples in
units of elements; an element is one I/Q pair and its size in bytes depends
on the stream Format.

Stream outcomes are reported as errors: ErrTimeout, ErrOverflow and
ErrUnderflow are transient, everything else ends the stream.
*/
package radio

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Direction of a stream relative to the host.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "RX"
	case TX:
		return "TX"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection accepts "rx"/"tx" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rx", "":
		return RX, nil
	case "tx":
		return TX, nil
	default:
		return RX, fmt.Errorf("unknown stream direction: '%s'", s)
	}
}

// Format names a stream sample encoding. The zero value means "use the
// device's native format".
type Format string

const (
	CS8  Format = "CS8"  // signed 8-bit I, signed 8-bit Q
	CU8  Format = "CU8"  // unsigned 8-bit I/Q, offset 128
	CS16 Format = "CS16" // signed 16-bit I/Q, host byte order
	CF32 Format = "CF32" // float32 I/Q
)

// Size returns the number of bytes in one complex element.
func (f Format) Size() (int, error) {
	switch f {
	case CS8, CU8:
		return 2, nil
	case CS16:
		return 4, nil
	case CF32:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: unknown sample format '%s'", ErrNotSupported, f)
	}
}

// ParseFormat normalizes a format name. The empty string is accepted and
// means native.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToUpper(strings.TrimSpace(s)))
	if f == "" {
		return "", nil
	}
	if _, err := f.Size(); err != nil {
		return "", err
	}
	return f, nil
}

var (
	ErrTimeout      = errors.New("stream timeout")
	ErrOverflow     = errors.New("stream overflow")
	ErrUnderflow    = errors.New("stream underflow")
	ErrTimeError    = errors.New("stream time error")
	ErrStreamError  = errors.New("stream error")
	ErrCorruption   = errors.New("stream corruption")
	ErrNotSupported = errors.New("not supported")
	ErrNoDevice     = errors.New("no such device")
)

// IsTransient reports whether err is a stream outcome the acquisition loop
// recovers from without tearing the stream down.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrOverflow) || errors.Is(err, ErrUnderflow)
}

// Range is an inclusive interval with an optional step (0 = continuous).
type Range struct {
	Min, Max, Step float64
}

func (r Range) String() string {
	if r.Min == r.Max {
		return fmt.Sprintf("%g", r.Min)
	}
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

// Args is a driver key/value argument set. The "driver" key selects the
// backend and "serial" identifies a device within it.
type Args map[string]string

// Merge returns a copy of a overlaid with b.
func (a Args) Merge(b Args) Args {
	out := make(Args, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}

// Matches reports whether every key in filter has the same value in a.
func (a Args) Matches(filter Args) bool {
	for k, v := range filter {
		if a[k] != v {
			return false
		}
	}
	return true
}

// String renders the arguments as sorted "k=v" pairs.
func (a Args) String() string {
	keys := slices.Sorted(maps.Keys(a))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+a[k])
	}
	return strings.Join(parts, ", ")
}

// Info describes a device for logs and listings.
type Info struct {
	Driver   string
	Hardware string
	Label    string
	Serial   string
	Extra    Args
}

// Device is an opened radio.
type Device interface {
	Info() Info
	NativeFormat(dir Direction, channel int) (Format, float64)
	SampleRateRange(dir Direction, channel int) []Range
	SetSampleRate(dir Direction, channel int, rate float64) error
	SampleRate(dir Direction, channel int) float64
	FrequencyRange(dir Direction, channel int) []Range
	SetFrequency(dir Direction, channel int, hz float64, args Args) error
	Frequency(dir Direction, channel int) float64
	Antennas(dir Direction, channel int) []string
	Gains(dir Direction, channel int) []string
	OpenStream(dir Direction, format Format, channels []int, args Args) (Stream, error)
	Close() error
}

// Stream is a sample stream opened on a Device. Read and Write take one
// buffer per channel and return the number of elements transferred per
// channel.
type Stream interface {
	MTU() int
	Activate() error
	Deactivate() error
	Read(buffs [][]byte, timeout time.Duration) (int, error)
	Write(buffs [][]byte, timeout time.Duration) (int, error)
	// Status reports one pending asynchronous stream event. Drivers return
	// ErrOverflow, ErrUnderflow or ErrTimeError for an event and ErrTimeout
	// or ErrNotSupported when there is nothing to report.
	Status(timeout time.Duration) error
	Close() error
}
