// SPDX-License-Identifier: MIT
//
// Package sim is a synthetic radio driver. Each device produces a CS8 tone
// with Gaussian noise, paced to the configured sample rate, and accepts TX
// streams that discard what they are given. It backs tests and lets the
// pipeline run on machines without hardware.
package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/radio"
	"sdrpipe/pkg/bitint"
)

const DriverName = "sim"

const (
	DefaultMTU       = 16384 // elements per read
	DefaultAmplitude = 64.0
	DefaultNoise     = 2.0
	NumChannels      = 2

	MinSampleRate = 100e3
	MaxSampleRate = 61.44e6
	MinFrequency  = 1e6
	MaxFrequency  = 6e9

	// A stream that falls this many blocks behind real time reports an
	// overflow and skips ahead, like hardware dropping samples.
	overflowBlocks = 4
)

// Config describes one synthetic device.
type Config struct {
	Serial     string
	MTU        int     // rounded up to a power of two
	ToneOffset float64 // Hz from center; 0 selects rate/8
	Amplitude  float64 // peak amplitude in int8 units
	Noise      float64 // noise standard deviation in int8 units
	Pace       bool    // sleep to emulate the sample rate
	Seed       uint64
}

func init() {
	radio.Register(driver{})
}

type driver struct{}

func (driver) Name() string { return DriverName }

// option keys that configure the device rather than select it
var optionKeys = []string{"count", "pace", "tone_offset", "amplitude", "noise", "mtu", "seed"}

func (driver) Enumerate(filter radio.Args) ([]radio.Args, error) {
	count := 1
	if v, ok := filter["count"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("sim: invalid count '%s'", v)
		}
		count = n
	}

	match := filter.Merge(nil)
	for _, k := range optionKeys {
		delete(match, k)
	}

	var out []radio.Args
	for i := range count {
		args := radio.Args{
			"driver": DriverName,
			"serial": fmt.Sprintf("SIM%04d", i+1),
			"label":  fmt.Sprintf("Synthetic receiver #%d", i+1),
		}
		if !args.Matches(match) {
			continue
		}
		// Carry the options through to Make.
		for _, k := range optionKeys {
			if v, ok := filter[k]; ok && k != "count" {
				args[k] = v
			}
		}
		out = append(out, args)
	}
	return out, nil
}

func (driver) Make(args radio.Args) (radio.Device, error) {
	cfg := Config{
		Serial:    args["serial"],
		MTU:       DefaultMTU,
		Amplitude: DefaultAmplitude,
		Noise:     DefaultNoise,
		Pace:      true,
	}
	if cfg.Serial == "" {
		cfg.Serial = "SIM0001"
	}
	var err error
	parseFloat := func(key string, dst *float64) {
		if v, ok := args[key]; ok && err == nil {
			*dst, err = strconv.ParseFloat(v, 64)
		}
	}
	parseFloat("tone_offset", &cfg.ToneOffset)
	parseFloat("amplitude", &cfg.Amplitude)
	parseFloat("noise", &cfg.Noise)
	if v, ok := args["pace"]; ok && err == nil {
		cfg.Pace, err = strconv.ParseBool(v)
	}
	if v, ok := args["mtu"]; ok && err == nil {
		cfg.MTU, err = strconv.Atoi(v)
	}
	if v, ok := args["seed"]; ok && err == nil {
		cfg.Seed, err = strconv.ParseUint(v, 10, 64)
	}
	if err != nil {
		return nil, fmt.Errorf("sim: invalid device arguments: %w", err)
	}
	return New(cfg), nil
}

// Device is a synthetic radio. Safe for concurrent use.
type Device struct {
	cfg Config

	mu     sync.Mutex
	rate   [2]float64 // indexed by radio.Direction
	freq   [2]float64
	closed bool
}

var _ radio.Device = (*Device)(nil)

// New returns a device with a 2.048 MS/s rate tuned to 100 MHz.
func New(cfg Config) *Device {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if !bitint.IsPowerOfTwo(cfg.MTU) {
		cfg.MTU = bitint.NextPowerOfTwo(cfg.MTU)
	}
	return &Device{
		cfg:  cfg,
		rate: [2]float64{2.048e6, 2.048e6},
		freq: [2]float64{100e6, 100e6},
	}
}

func (d *Device) Info() radio.Info {
	return radio.Info{
		Driver:   DriverName,
		Hardware: "synthetic",
		Label:    "Synthetic receiver " + d.cfg.Serial,
		Serial:   d.cfg.Serial,
		Extra: radio.Args{
			"mtu":  strconv.Itoa(d.cfg.MTU),
			"pace": strconv.FormatBool(d.cfg.Pace),
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
	if err := checkChannel(channel); err != nil {
		return err
	}
	if rate < MinSampleRate || rate > MaxSampleRate {
		return fmt.Errorf("sim: sample rate %.0f outside [%.0f, %.0f]", rate, MinSampleRate, MaxSampleRate)
	}
	d.mu.Lock()
	d.rate[dir] = rate
	d.mu.Unlock()
	return nil
}

func (d *Device) SampleRate(dir radio.Direction, _ int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate[dir]
}

func (d *Device) FrequencyRange(radio.Direction, int) []radio.Range {
	return []radio.Range{{Min: MinFrequency, Max: MaxFrequency}}
}

func (d *Device) SetFrequency(dir radio.Direction, channel int, hz float64, _ radio.Args) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	if hz < MinFrequency || hz > MaxFrequency {
		return fmt.Errorf("sim: frequency %.0f outside [%.0f, %.0f]", hz, MinFrequency, MaxFrequency)
	}
	d.mu.Lock()
	d.freq[dir] = hz
	d.mu.Unlock()
	return nil
}

func (d *Device) Frequency(dir radio.Direction, _ int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freq[dir]
}

func (d *Device) Antennas(dir radio.Direction, _ int) []string {
	return []string{dir.String()}
}

func (d *Device) Gains(radio.Direction, int) []string {
	return []string{"SIM"}
}

func (d *Device) OpenStream(dir radio.Direction, format radio.Format, channels []int, _ radio.Args) (radio.Stream, error) {
	if format != "" && format != radio.CS8 {
		return nil, fmt.Errorf("%w: sim streams only %s, not %s", radio.ErrNotSupported, radio.CS8, format)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("sim: no channels requested")
	}
	for _, ch := range channels {
		if err := checkChannel(ch); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("sim: device %s is closed", d.cfg.Serial)
	}

	tone := d.cfg.ToneOffset
	if tone == 0 {
		tone = d.rate[dir] / 8
	}
	seed := d.cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	applog.Debugf("Sim: %s opening %s stream on channels %v", d.cfg.Serial, dir, channels)
	return &Stream{
		dir:      dir,
		channels: append([]int(nil), channels...),
		mtu:      d.cfg.MTU,
		rate:     d.rate[dir],
		step:     2 * math.Pi * tone / d.rate[dir],
		amp:      d.cfg.Amplitude,
		noise:    d.cfg.Noise,
		pace:     d.cfg.Pace,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		events:   make(chan error, 16),
	}, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func checkChannel(ch int) error {
	if ch < 0 || ch >= NumChannels {
		return fmt.Errorf("sim: channel %d out of range [0, %d)", ch, NumChannels)
	}
	return nil
}

// Stream is a synthetic sample stream.
type Stream struct {
	dir      radio.Direction
	channels []int
	mtu      int
	rate     float64
	step     float64
	amp      float64
	noise    float64
	pace     bool

	active atomic.Bool
	closed atomic.Bool
	events chan error

	// touched only by the reading goroutine
	rng   *rand.Rand
	phase float64
	next  time.Time
}

var _ radio.Stream = (*Stream)(nil)

func (s *Stream) MTU() int { return s.mtu }

func (s *Stream) Activate() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: stream closed", radio.ErrStreamError)
	}
	s.next = time.Time{}
	s.active.Store(true)
	return nil
}

func (s *Stream) Deactivate() error {
	s.active.Store(false)
	return nil
}

func (s *Stream) Close() error {
	s.active.Store(false)
	s.closed.Store(true)
	return nil
}

// Inject queues an asynchronous event for Status to report.
func (s *Stream) Inject(event error) {
	select {
	case s.events <- event:
	default:
	}
}

func (s *Stream) Status(timeout time.Duration) error {
	select {
	case ev := <-s.events:
		return ev
	default:
	}
	if timeout <= 0 {
		return radio.ErrTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-s.events:
		return ev
	case <-t.C:
		return radio.ErrTimeout
	}
}

func (s *Stream) elements(buffs [][]byte) (int, error) {
	if !s.active.Load() {
		return 0, fmt.Errorf("%w: stream not active", radio.ErrStreamError)
	}
	if len(buffs) != len(s.channels) {
		return 0, fmt.Errorf("%w: got %d buffers for %d channels", radio.ErrStreamError, len(buffs), len(s.channels))
	}
	n := s.mtu
	for _, b := range buffs {
		n = min(n, len(b)/2)
	}
	return n, nil
}

// wait sleeps until n elements worth of time have elapsed since the previous
// transfer. It returns ErrTimeout when that is further away than timeout.
func (s *Stream) wait(n int, timeout time.Duration) error {
	if !s.pace {
		return nil
	}
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	block := time.Duration(float64(n) / s.rate * float64(time.Second))
	due := s.next.Add(block)

	if lag := now.Sub(due); lag > overflowBlocks*block {
		s.next = now
		return radio.ErrOverflow
	}
	if d := time.Until(due); d > 0 {
		if timeout > 0 && d > timeout {
			time.Sleep(timeout)
			return radio.ErrTimeout
		}
		time.Sleep(d)
	}
	s.next = due
	return nil
}

func (s *Stream) Read(buffs [][]byte, timeout time.Duration) (int, error) {
	if s.dir != radio.RX {
		return 0, fmt.Errorf("%w: read on %s stream", radio.ErrNotSupported, s.dir)
	}
	n, err := s.elements(buffs)
	if err != nil {
		return 0, err
	}
	if err := s.wait(n, timeout); err != nil {
		return 0, err
	}

	start := s.phase
	for c, buf := range buffs {
		phase := start + float64(s.channels[c])*math.Pi/2
		for i := range n {
			re := s.amp*math.Cos(phase) + s.noise*s.rng.NormFloat64()
			im := s.amp*math.Sin(phase) + s.noise*s.rng.NormFloat64()
			buf[2*i] = byte(clampInt8(re))
			buf[2*i+1] = byte(clampInt8(im))
			phase += s.step
		}
	}
	s.phase = math.Mod(start+float64(n)*s.step, 2*math.Pi)
	return n, nil
}

func (s *Stream) Write(buffs [][]byte, timeout time.Duration) (int, error) {
	if s.dir != radio.TX {
		return 0, fmt.Errorf("%w: write on %s stream", radio.ErrNotSupported, s.dir)
	}
	n, err := s.elements(buffs)
	if err != nil {
		return 0, err
	}
	if err := s.wait(n, timeout); err != nil {
		if err == radio.ErrOverflow {
			return 0, radio.ErrUnderflow
		}
		return 0, err
	}
	return n, nil
}

func clampInt8(v float64) int8 {
	switch {
	case v > math.MaxInt8:
		return math.MaxInt8
	case v < math.MinInt8:
		return math.MinInt8
	default:
		return int8(math.Round(v))
	}
}
