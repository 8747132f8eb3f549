// SPDX-License-Identifier: MIT
//
// Package soundcard turns a stereo PortAudio input into an I/Q receiver: the
// left channel carries I and the right carries Q, as produced by the
// baseband output of an external downconverter. Samples are read blocking as
// signed 8-bit and delivered as CS8.
package soundcard

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/radio"
)

const DriverName = "soundcard"

const (
	DefaultMTU = 4096 // frames per buffer

	MinSampleRate = 8000
	MaxSampleRate = 192000
	// The card has no tuner; the frequency only labels the external
	// downconverter's centre.
	MaxFrequency = 6e9

	pollInterval = time.Millisecond
)

// paDevicesFunc is replaced in tests.
var paDevicesFunc = portaudio.Devices

// Initialize sets up the PortAudio subsystem. Calls nest and must be paired
// with Terminate.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate releases one Initialize.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

func init() {
	radio.Register(driver{})
}

type driver struct{}

func (driver) Name() string { return DriverName }

func (driver) Enumerate(filter radio.Args) ([]radio.Args, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	defer Terminate()

	devices, err := paDevicesFunc()
	if err != nil {
		return nil, fmt.Errorf("failed to list PortAudio devices: %w", err)
	}
	var out []radio.Args
	for _, args := range inputDevices(devices) {
		if args.Matches(filter) {
			out = append(out, args)
		}
	}
	return out, nil
}

// inputDevices describes every device with at least two input channels.
func inputDevices(devices []*portaudio.DeviceInfo) []radio.Args {
	var out []radio.Args
	for i, d := range devices {
		if d == nil || d.MaxInputChannels < 2 {
			continue
		}
		out = append(out, radio.Args{
			"driver": DriverName,
			"serial": strconv.Itoa(i),
			"label":  d.Name,
			"rate":   strconv.FormatFloat(d.DefaultSampleRate, 'f', 0, 64),
		})
	}
	return out
}

func (driver) Make(args radio.Args) (radio.Device, error) {
	index, err := strconv.Atoi(args["serial"])
	if err != nil {
		return nil, fmt.Errorf("soundcard: invalid device index '%s'", args["serial"])
	}
	if err := Initialize(); err != nil {
		return nil, err
	}
	devices, err := paDevicesFunc()
	if err != nil {
		Terminate()
		return nil, fmt.Errorf("failed to list PortAudio devices: %w", err)
	}
	if index < 0 || index >= len(devices) || devices[index].MaxInputChannels < 2 {
		Terminate()
		return nil, fmt.Errorf("%w: no stereo input device %d", radio.ErrNoDevice, index)
	}
	return newDevice(index, devices[index]), nil
}

// Device is one PortAudio input. It holds a PortAudio reference until Close.
type Device struct {
	index int
	info  *portaudio.DeviceInfo

	mu     sync.Mutex
	rate   float64
	freq   float64
	closed bool
}

var _ radio.Device = (*Device)(nil)

func newDevice(index int, info *portaudio.DeviceInfo) *Device {
	rate := info.DefaultSampleRate
	if rate < MinSampleRate || rate > MaxSampleRate {
		rate = 48000
	}
	return &Device{index: index, info: info, rate: rate}
}

func (d *Device) Info() radio.Info {
	host := ""
	if d.info.HostApi != nil {
		host = d.info.HostApi.Name
	}
	return radio.Info{
		Driver:   DriverName,
		Hardware: host,
		Label:    d.info.Name,
		Serial:   strconv.Itoa(d.index),
		Extra: radio.Args{
			"input_channels": strconv.Itoa(d.info.MaxInputChannels),
			"latency":        d.info.DefaultHighInputLatency.String(),
		},
	}
}

func (d *Device) NativeFormat(radio.Direction, int) (radio.Format, float64) {
	return radio.CS8, 128
}

func (d *Device) SampleRateRange(radio.Direction, int) []radio.Range {
	return []radio.Range{{Min: MinSampleRate, Max: MaxSampleRate}}
}

func (d *Device) SetSampleRate(dir radio.Direction, channel int, rate float64) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
	}
	if rate < MinSampleRate || rate > MaxSampleRate {
		return fmt.Errorf("soundcard: sample rate %.0f outside [%d, %d]", rate, MinSampleRate, MaxSampleRate)
	}
	d.mu.Lock()
	d.rate = rate
	d.mu.Unlock()
	return nil
}

func (d *Device) SampleRate(radio.Direction, int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate
}

func (d *Device) FrequencyRange(radio.Direction, int) []radio.Range {
	return []radio.Range{{Min: 0, Max: MaxFrequency}}
}

func (d *Device) SetFrequency(dir radio.Direction, channel int, hz float64, _ radio.Args) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
	}
	if hz < 0 || hz > MaxFrequency {
		return fmt.Errorf("soundcard: frequency %.0f outside [0, %.0f]", hz, MaxFrequency)
	}
	d.mu.Lock()
	d.freq = hz
	d.mu.Unlock()
	return nil
}

func (d *Device) Frequency(radio.Direction, int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freq
}

func (d *Device) Antennas(radio.Direction, int) []string { return []string{"LINE"} }

func (d *Device) Gains(radio.Direction, int) []string { return nil }

func (d *Device) OpenStream(dir radio.Direction, format radio.Format, channels []int, _ radio.Args) (radio.Stream, error) {
	if dir != radio.RX {
		return nil, fmt.Errorf("%w: soundcard cannot transmit", radio.ErrNotSupported)
	}
	if format != "" && format != radio.CS8 {
		return nil, fmt.Errorf("%w: soundcard streams only %s, not %s", radio.ErrNotSupported, radio.CS8, format)
	}
	if len(channels) != 1 || channels[0] != 0 {
		return nil, fmt.Errorf("%w: soundcard has one I/Q channel, got %v", radio.ErrNotSupported, channels)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("soundcard: device %d is closed", d.index)
	}

	buf := make([]int8, 2*DefaultMTU)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: 2,
			Device:   d.info,
			Latency:  d.info.DefaultHighInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0,
			Device:   nil,
		},
		FramesPerBuffer: DefaultMTU,
		SampleRate:      d.rate,
	}
	pa, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("soundcard: open stream on '%s': %w", d.info.Name, err)
	}
	applog.Debugf("Soundcard: %s opened at %.0f Hz", d.info.Name, d.rate)
	return &Stream{pa: pa, buf: buf}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return Terminate()
}

func checkChannel(dir radio.Direction, ch int) error {
	if dir != radio.RX || ch != 0 {
		return fmt.Errorf("%w: soundcard has only RX channel 0", radio.ErrNotSupported)
	}
	return nil
}

// Stream is a blocking PortAudio input stream.
type Stream struct {
	pa     *portaudio.Stream
	buf    []int8
	active bool
	closed bool
}

var _ radio.Stream = (*Stream)(nil)

func (s *Stream) MTU() int { return DefaultMTU }

func (s *Stream) Activate() error {
	if s.closed {
		return fmt.Errorf("%w: stream closed", radio.ErrStreamError)
	}
	if err := s.pa.Start(); err != nil {
		return fmt.Errorf("soundcard: start stream: %w", err)
	}
	s.active = true
	return nil
}

func (s *Stream) Deactivate() error {
	if !s.active {
		return nil
	}
	s.active = false
	return s.pa.Stop()
}

func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.active = false
	return s.pa.Close()
}

func (s *Stream) Status(time.Duration) error {
	return radio.ErrNotSupported
}

func (s *Stream) Write([][]byte, time.Duration) (int, error) {
	return 0, fmt.Errorf("%w: soundcard cannot transmit", radio.ErrNotSupported)
}

// Read waits up to timeout for a full buffer of frames, then reads it.
func (s *Stream) Read(buffs [][]byte, timeout time.Duration) (int, error) {
	if !s.active {
		return 0, fmt.Errorf("%w: stream not active", radio.ErrStreamError)
	}
	if len(buffs) != 1 {
		return 0, fmt.Errorf("%w: got %d buffers for 1 channel", radio.ErrStreamError, len(buffs))
	}
	if len(buffs[0]) < len(s.buf) {
		return 0, fmt.Errorf("%w: buffer holds %d bytes, need %d", radio.ErrStreamError, len(buffs[0]), len(s.buf))
	}

	deadline := time.Now().Add(timeout)
	for {
		avail, err := s.pa.AvailableToRead()
		if err != nil {
			return 0, classify(err)
		}
		if avail >= DefaultMTU {
			break
		}
		if timeout > 0 && time.Now().After(deadline) {
			return 0, radio.ErrTimeout
		}
		time.Sleep(pollInterval)
	}

	if err := s.pa.Read(); err != nil {
		return 0, classify(err)
	}
	return CopyInterleaved(buffs[0], s.buf), nil
}

// classify maps PortAudio errors onto stream outcomes.
func classify(err error) error {
	if errors.Is(err, portaudio.InputOverflowed) {
		return radio.ErrOverflow
	}
	return fmt.Errorf("%w: %v", radio.ErrStreamError, err)
}

// CopyInterleaved copies interleaved left/right int8 frames into dst as CS8
// elements and returns the number of elements copied.
func CopyInterleaved(dst []byte, src []int8) int {
	n := min(len(dst), len(src)) / 2
	for i := range 2 * n {
		dst[i] = byte(src[i])
	}
	return n
}
