// SPDX-License-Identifier: MIT
//
// Package rtltcp drives an RTL-SDR dongle through an rtl_tcp server. The
// server streams unsigned 8-bit I/Q continuously once a client connects;
// this driver exposes it as a single RX channel in CU8 or CS8.
package rtltcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bemasher/rtltcp"
	"github.com/cenkalti/backoff"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/radio"
)

const DriverName = "rtltcp"

const (
	DefaultAddr = "127.0.0.1:1234"
	DefaultMTU  = 16384 // elements per read

	MinFrequency  = 24e6
	MaxFrequency  = 1766e6
	MinSampleRate = 225e3
	MaxSampleRate = 3.2e6

	defaultRetries = 5
	probeTimeout   = 250 * time.Millisecond
)

func init() {
	radio.Register(driver{})
}

type driver struct{}

func (driver) Name() string { return DriverName }

// Enumerate probes every address in the comma separated "addr" argument and
// lists the ones accepting connections.
func (driver) Enumerate(filter radio.Args) ([]radio.Args, error) {
	addrs := filter["addr"]
	if addrs == "" {
		addrs = DefaultAddr
	}

	var out []radio.Args
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		args := radio.Args{
			"driver": DriverName,
			"addr":   addr,
			"serial": addr,
			"label":  "RTL-SDR via rtl_tcp at " + addr,
		}
		match := filter.Merge(nil)
		delete(match, "addr")
		for _, k := range []string{"retries", "ppm", "agc"} {
			if v, ok := match[k]; ok {
				args[k] = v
				delete(match, k)
			}
		}
		if !args.Matches(match) {
			continue
		}
		conn, err := net.DialTimeout("tcp", addr, probeTimeout)
		if err != nil {
			applog.Debugf("RTL-TCP: no server at %s: %v", addr, err)
			continue
		}
		conn.Close()
		out = append(out, args)
	}
	return out, nil
}

func (driver) Make(args radio.Args) (radio.Device, error) {
	addr := args["addr"]
	if addr == "" {
		addr = DefaultAddr
	}
	retries := uint64(defaultRetries)
	if v, ok := args["retries"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("rtltcp: invalid retries '%s'", v)
		}
		retries = n
	}

	dev, err := Dial(addr, retries)
	if err != nil {
		return nil, err
	}
	if v, ok := args["ppm"]; ok {
		ppm, err := strconv.ParseUint(v, 10, 32)
		if err == nil {
			err = dev.sdr.SetFreqCorrection(uint32(ppm))
		}
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("rtltcp: set ppm '%s': %w", v, err)
		}
	}
	if v, ok := args["agc"]; ok {
		on, err := strconv.ParseBool(v)
		if err == nil {
			err = dev.sdr.SetAGCMode(on)
		}
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("rtltcp: set agc '%s': %w", v, err)
		}
	}
	return dev, nil
}

// Device is one rtl_tcp connection.
type Device struct {
	addr string
	sdr  *rtltcp.SDR

	mu     sync.Mutex
	rate   float64
	freq   float64
	stream *Stream
	closed bool
}

var _ radio.Device = (*Device)(nil)

// Dial connects to the server at addr, retrying with exponential backoff up
// to retries more times, then tunes to 100 MHz at 2.048 MS/s.
func Dial(addr string, retries uint64) (*Device, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtltcp: resolve '%s': %w", addr, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	sdr := &rtltcp.SDR{}
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := sdr.Connect(tcpAddr); err != nil {
			applog.Debugf("RTL-TCP: connect %s attempt %d: %v", addr, attempt, err)
			if sdr.TCPConn != nil {
				sdr.TCPConn.Close()
				sdr.TCPConn = nil
			}
			return err
		}
		return nil
	}, backoff.WithMaxRetries(policy, retries))
	if err != nil {
		return nil, fmt.Errorf("%w: rtl_tcp at %s: %v", radio.ErrNoDevice, addr, err)
	}
	applog.Infof("RTL-TCP: connected to %s (tuner %v, %d gains)", addr, sdr.Info.Tuner, sdr.Info.GainCount)

	d := &Device{addr: addr, sdr: sdr}
	if err := d.SetSampleRate(radio.RX, 0, 2.048e6); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.SetFrequency(radio.RX, 0, 100e6, nil); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) Info() radio.Info {
	return radio.Info{
		Driver:   DriverName,
		Hardware: fmt.Sprintf("%v", d.sdr.Info.Tuner),
		Label:    "RTL-SDR via rtl_tcp at " + d.addr,
		Serial:   d.addr,
		Extra: radio.Args{
			"gains": strconv.FormatUint(uint64(d.sdr.Info.GainCount), 10),
		},
	}
}

func (d *Device) NativeFormat(radio.Direction, int) (radio.Format, float64) {
	return radio.CU8, 128
}

func (d *Device) SampleRateRange(radio.Direction, int) []radio.Range {
	return []radio.Range{{Min: MinSampleRate, Max: MaxSampleRate}}
}

func (d *Device) SetSampleRate(dir radio.Direction, channel int, rate float64) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
	}
	if rate < MinSampleRate || rate > MaxSampleRate {
		return fmt.Errorf("rtltcp: sample rate %.0f outside [%.0f, %.0f]", rate, MinSampleRate, MaxSampleRate)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sdr.SetSampleRate(uint32(rate)); err != nil {
		return fmt.Errorf("rtltcp: set sample rate: %w", err)
	}
	d.rate = rate
	return nil
}

func (d *Device) SampleRate(radio.Direction, int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

func (d *Device) FrequencyRange(radio.Direction, int) []radio.Range {
	return []radio.Range{{Min: MinFrequency, Max: MaxFrequency}}
}

func (d *Device) SetFrequency(dir radio.Direction, channel int, hz float64, _ radio.Args) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
	}
	if hz < MinFrequency || hz > MaxFrequency {
		return fmt.Errorf("rtltcp: frequency %.0f outside [%.0f, %.0f]", hz, MinFrequency, MaxFrequency)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sdr.SetCenterFreq(uint32(hz)); err != nil {
		return fmt.Errorf("rtltcp: set frequency: %w", err)
	}
	d.freq = hz
	return nil
}

func (d *Device) Frequency(radio.Direction, int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freq
}

func (d *Device) Antennas(radio.Direction, int) []string { return []string{"RX"} }

func (d *Device) Gains(radio.Direction, int) []string { return []string{"TUNER"} }

// OpenStream opens the single RX stream. The server sends CU8; CS8 streams
// are converted in place.
func (d *Device) OpenStream(dir radio.Direction, format radio.Format, channels []int, _ radio.Args) (radio.Stream, error) {
	if dir != radio.RX {
		return nil, fmt.Errorf("%w: rtltcp cannot transmit", radio.ErrNotSupported)
	}
	if format == "" {
		format = radio.CU8
	}
	if format != radio.CU8 && format != radio.CS8 {
		return nil, fmt.Errorf("%w: rtltcp streams %s or %s, not %s", radio.ErrNotSupported, radio.CU8, radio.CS8, format)
	}
	if len(channels) != 1 || channels[0] != 0 {
		return nil, fmt.Errorf("%w: rtltcp has one channel, got %v", radio.ErrNotSupported, channels)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("rtltcp: device %s is closed", d.addr)
	}
	if d.stream != nil {
		return nil, fmt.Errorf("rtltcp: device %s already has a stream open", d.addr)
	}
	d.stream = &Stream{dev: d, conn: d.sdr.TCPConn, signed: format == radio.CS8}
	applog.Debugf("RTL-TCP: %s opening %s stream", d.addr, format)
	return d.stream, nil
}

func (d *Device) release(s *Stream) {
	d.mu.Lock()
	if d.stream == s {
		d.stream = nil
	}
	d.mu.Unlock()
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.sdr.Close()
}

func checkChannel(dir radio.Direction, ch int) error {
	if dir != radio.RX || ch != 0 {
		return fmt.Errorf("%w: rtltcp has only RX channel 0", radio.ErrNotSupported)
	}
	return nil
}

// Stream reads samples straight off the server connection.
type Stream struct {
	dev    *Device
	conn   net.Conn
	signed bool

	active atomic.Bool
	closed atomic.Bool

	// An odd trailing byte is held until the next read so elements stay
	// aligned.
	carry   byte
	pending bool
}

var _ radio.Stream = (*Stream)(nil)

func (s *Stream) MTU() int { return DefaultMTU }

func (s *Stream) Activate() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: stream closed", radio.ErrStreamError)
	}
	s.active.Store(true)
	return nil
}

func (s *Stream) Deactivate() error {
	s.active.Store(false)
	return nil
}

func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.active.Store(false)
	s.dev.release(s)
	return nil
}

// Status has nothing to report; rtl_tcp has no out-of-band events.
func (s *Stream) Status(time.Duration) error {
	return radio.ErrNotSupported
}

func (s *Stream) Write([][]byte, time.Duration) (int, error) {
	return 0, fmt.Errorf("%w: rtltcp cannot transmit", radio.ErrNotSupported)
}

// Read fills buffs[0] with up to MTU elements. A read that times out with
// at least one element buffered returns those elements without error.
func (s *Stream) Read(buffs [][]byte, timeout time.Duration) (int, error) {
	if !s.active.Load() {
		return 0, fmt.Errorf("%w: stream not active", radio.ErrStreamError)
	}
	if len(buffs) != 1 {
		return 0, fmt.Errorf("%w: got %d buffers for 1 channel", radio.ErrStreamError, len(buffs))
	}
	n := min(DefaultMTU, len(buffs[0])/2)
	if n == 0 {
		return 0, nil
	}
	buf := buffs[0][:2*n]

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %v", radio.ErrStreamError, err)
	}

	off := 0
	if s.pending {
		buf[0] = s.carry
		s.pending = false
		off = 1
	}
	got, err := io.ReadAtLeast(s.conn, buf[off:], 2-off)
	total := off + got
	elems := total / 2
	if total%2 == 1 {
		s.carry, s.pending = buf[total-1], true
	}
	if s.signed {
		ToSigned(buf[:2*elems])
	}

	if err != nil && elems == 0 {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, radio.ErrTimeout
		}
		return 0, fmt.Errorf("%w: %v", radio.ErrStreamError, err)
	}
	return elems, nil
}

// ToSigned converts offset-binary CU8 samples to CS8 in place.
func ToSigned(b []byte) {
	for i := range b {
		b[i] ^= 0x80
	}
}
