// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"sdrpipe/internal/engine"
	applog "sdrpipe/internal/log"
)

const (
	// DefaultInterval is ~30 packets per second per device.
	DefaultInterval = 33 * time.Millisecond
	// DefaultMaxBins keeps a packet well under the UDP datagram limit.
	DefaultMaxBins = 4096

	headerSize = 4 + 8 + 2 + 2
	maxBins    = (65507 - headerSize) / 4
)

// Source lists the device spectra to publish on each tick.
type Source interface {
	Spectra() []engine.DeviceSpectrum
}

// Sink sends one packet. UDPSender implements it.
type Sink interface {
	Send(packet []byte) error
}

// UDPPublisher periodically takes the latest decibel spectrum of every
// streaming device, packs it into the binary format below and sends it with a
// Sink. It runs in a separate goroutine managed by Start and Stop.
type UDPPublisher struct {
	sender   Sink
	source   Source
	interval time.Duration
	maxBins  int

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex // guards ticker and doneChan

	sequenceNum uint32

	// Reused by buildAndSendPackets, which only runs on the publisher goroutine.
	dbBuffer     []float64
	f32Buffer    []float32
	packetBuffer *bytes.Buffer
}

// NewUDPPublisher creates a publisher. interval <= 0 uses DefaultInterval and
// bins <= 0 uses DefaultMaxBins; bins is capped to what fits in a datagram.
func NewUDPPublisher(interval time.Duration, bins int, sender Sink, source Source) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("UDPPublisher: spectrum source cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if bins <= 0 {
		bins = DefaultMaxBins
	}
	bins = min(bins, maxBins)

	applog.Infof("UDPPublisher: Initializing (Interval: %s, Max bins: %d)", interval, bins)
	return &UDPPublisher{
		sender:       sender,
		source:       source,
		interval:     interval,
		maxBins:      bins,
		f32Buffer:    make([]float32, 0, bins),
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Start begins publishing. Calling Start while running does nothing.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		applog.Warnf("UDPPublisher: Start called but already running.")
		return
	}
	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}
	ticker, doneChan := p.ticker, p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		applog.Debugf("UDPPublisher: Publisher goroutine started (Interval: %s)", p.interval)
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPackets()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the publisher goroutine and waits for it to exit. Safe to
// call more than once.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	applog.Infof("UDPPublisher: Publisher stopped after %d packets", p.sequenceNum)
	return nil
}

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Device Index      | uint16         | 2            | 1-based device number   |
| Bin Count         | uint16         | 2            | Number of floats (N)    |
| Decibels          | []float32      | N * 4        | Spectrum, lowest first  |
+-----------------------------------------------------------------------------+

Bins run from the most negative frequency offset to the most positive. When
the transform is larger than the configured maximum, adjacent bins are
merged keeping their peak.
*/

// buildAndSendPackets sends one packet per device that has a spectrum.
func (p *UDPPublisher) buildAndSendPackets() {
	for _, ds := range p.source.Spectra() {
		n := ds.Provider.Bins()
		if n == 0 {
			continue
		}
		if cap(p.dbBuffer) < n {
			p.dbBuffer = make([]float64, n)
		}
		got, err := ds.Provider.DecibelsInto(p.dbBuffer[:cap(p.dbBuffer)])
		if err != nil {
			// The spectrum grew between Bins and the copy; try next tick.
			applog.Debugf("UDPPublisher: device %d: %v", ds.Index, err)
			continue
		}
		p.f32Buffer = ShiftAndDecimate(p.f32Buffer[:0], p.dbBuffer[:got], p.maxBins)

		p.sequenceNum++
		if err := p.pack(uint16(ds.Index), time.Now().UnixNano()); err != nil {
			applog.Errorf("UDPPublisher: Error packing data into binary buffer: %v", err)
			return
		}
		if err := p.sender.Send(p.packetBuffer.Bytes()); err == nil {
			applog.Debugf("UDPPublisher: Sent packet %d for device %d (%d bytes)", p.sequenceNum, ds.Index, p.packetBuffer.Len())
		}
	}
}

func (p *UDPPublisher) pack(device uint16, timestamp int64) error {
	p.packetBuffer.Reset()
	err := binary.Write(p.packetBuffer, binary.BigEndian, p.sequenceNum)
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, timestamp)
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, device)
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, uint16(len(p.f32Buffer)))
	}
	if err == nil {
		err = binary.Write(p.packetBuffer, binary.BigEndian, p.f32Buffer)
	}
	return err
}

// ShiftAndDecimate appends db to dst reordered from transform order to
// ascending frequency, merging groups of adjacent bins by their maximum so
// that at most limit values are appended.
func ShiftAndDecimate(dst []float32, db []float64, limit int) []float32 {
	n := len(db)
	if n == 0 || limit <= 0 {
		return dst
	}
	group := (n + limit - 1) / limit
	half := n - n/2 // index of the most negative frequency bin
	for start := 0; start < n; start += group {
		end := min(start+group, n)
		peak := db[(start+half)%n]
		for i := start + 1; i < end; i++ {
			peak = max(peak, db[(i+half)%n])
		}
		dst = append(dst, float32(peak))
	}
	return dst
}

// Close stops the publisher.
func (p *UDPPublisher) Close() error {
	return p.Stop()
}

var _ interface{ Close() error } = (*UDPPublisher)(nil)
