// SPDX-License-Identifier: MIT
/*
Package stream runs the acquisition side of the pipeline: it owns a device
stream for its whole life, moves samples from the device into the handoff
queue, and keeps the overflow, underflow and throughput accounting.

Lifecycle:

	OpenSession   resolve format, open and activate the stream (Setup)
	Loop.Run      read/classify/push until shutdown or a fatal error
	Session.Close deactivate then close, exactly once, on every exit path
*/
package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/radio"
)

const (
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultStatusInterval = time.Second
	DefaultReportInterval = 5 * time.Second
)

// Config describes the stream a session opens and how its loop reports.
type Config struct {
	Direction radio.Direction
	Format    radio.Format // empty selects the device's native format
	Channels  []int        // empty selects channel 0
	Args      radio.Args

	ReadTimeout    time.Duration
	StatusInterval time.Duration
	ReportInterval time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Channels) == 0 {
		c.Channels = []int{0}
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	return c
}

// Session is an opened, activated device stream. Close releases it.
type Session struct {
	cfg      Config
	stream   radio.Stream
	format   radio.Format
	elemSize int
	mtu      int

	closeOnce sync.Once
	closeErr  error
}

// OpenSession performs stream setup on dev. On any failure nothing is left
// open and the stream is never activated past the failing step.
func OpenSession(dev radio.Device, cfg Config) (*Session, error) {
	defer applog.Trace("stream.OpenSession")()
	cfg = cfg.withDefaults()

	format := cfg.Format
	if format == "" {
		format, _ = dev.NativeFormat(cfg.Direction, cfg.Channels[0])
	}
	elemSize, err := format.Size()
	if err != nil {
		return nil, fmt.Errorf("resolve stream format: %w", err)
	}

	st, err := dev.OpenStream(cfg.Direction, format, cfg.Channels, cfg.Args)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", cfg.Direction, err)
	}
	mtu := st.MTU()
	if mtu <= 0 {
		st.Close()
		return nil, fmt.Errorf("open %s stream: %w: invalid MTU %d", cfg.Direction, radio.ErrStreamError, mtu)
	}
	if err := st.Activate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("activate %s stream: %w", cfg.Direction, err)
	}

	applog.Infof("Stream: format %s, %d channel(s), element size %d bytes, MTU %d elements",
		format, len(cfg.Channels), elemSize, mtu)
	applog.Infof("Stream: begin %s at %g Msps", cfg.Direction, dev.SampleRate(cfg.Direction, cfg.Channels[0])/1e6)

	return &Session{
		cfg:      cfg,
		stream:   st,
		format:   format,
		elemSize: elemSize,
		mtu:      mtu,
	}, nil
}

func (s *Session) Format() radio.Format { return s.format }
func (s *Session) ElemSize() int { return s.elemSize }
func (s *Session) MTU() int { return s.mtu }
func (s *Session) NumChannels() int { return len(s.cfg.Channels) }
func (s *Session) Direction() radio.Direction { return s.cfg.Direction }

// Close deactivates then closes the stream. Only the first call does work;
// later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		defer applog.Trace("stream.Session.Close")()
		var errs []error
		if err := s.stream.Deactivate(); err != nil {
			errs = append(errs, fmt.Errorf("deactivate stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
