// SPDX-License-Identifier: MIT
package stream

import (
	"fmt"
	"strings"
	"time"
)

// Stats are the counters one acquisition loop accumulates.
type Stats struct {
	Overflows    uint64
	Underflows   uint64
	TotalSamples uint64
}

// Throughput is a point-in-time report of a loop's counters and rates.
type Throughput struct {
	Device        string
	Final         bool
	Elapsed       time.Duration
	SamplesPerSec float64
	BytesPerSec   float64 // SamplesPerSec x channels x element size
	Stats
	Dropped uint64 // blocks discarded by the queue's capacity policy
}

// Msps returns the sample rate in mega-samples per second.
func (t Throughput) Msps() float64 { return t.SamplesPerSec / 1e6 }

// MBps returns the byte rate in megabytes per second.
func (t Throughput) MBps() float64 { return t.BytesPerSec / 1e6 }

// String renders the report in the periodic log format. Zero overflow and
// underflow counts are omitted except in the final report.
func (t Throughput) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%.4g Msps\t%.4g MBps", t.Msps(), t.MBps())
	if t.Final || t.Overflows != 0 {
		fmt.Fprintf(&sb, "\tOverflows %d", t.Overflows)
	}
	if t.Final || t.Underflows != 0 {
		fmt.Fprintf(&sb, "\tUnderflows %d", t.Underflows)
	}
	if t.Final {
		fmt.Fprintf(&sb, "\tTotalSamples %d", t.TotalSamples)
	}
	if t.Dropped != 0 {
		fmt.Fprintf(&sb, "\tDropped %d", t.Dropped)
	}
	return sb.String()
}

// measure computes cumulative rates over elapsed. A zero elapsed time yields
// zero rates rather than infinities.
func measure(s Stats, elapsed time.Duration, numChans, elemSize int) Throughput {
	t := Throughput{Elapsed: elapsed, Stats: s}
	if secs := elapsed.Seconds(); secs > 0 {
		t.SamplesPerSec = float64(s.TotalSamples) / secs
		t.BytesPerSec = t.SamplesPerSec * float64(numChans*elemSize)
	}
	return t
}
