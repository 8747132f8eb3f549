// Package wavfile replays an I/Q recording stored as a two channel WAV file
// (left I, right Q) as if it came from a receiver. 8-bit files are unsigned
// and 16-bit files signed; both are delivered as CS8.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/radio"
)

const DriverName = "wavfile"

const (
	DefaultMTU   = 8192 // elements per read
	MaxFrequency = 6e9
)

func init() {
	radio.Register(driver{})
}

type driver struct{}

func (driver) Name() string { return DriverName }

var optionKeys = []string{"loop", "pace", "frequency"}

// Enumerate lists the file named by the "file" argument when it exists.
func (driver) Enumerate(filter radio.Args) ([]radio.Args, error) {
	path := filter["file"]
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}

	args := radio.Args{
		"driver": DriverName,
		"file":   path,
		"serial": filepath.Base(path),
		"label":  "WAV replay of " + filepath.Base(path),
	}
	match := filter.Merge(nil)
	delete(match, "file")
	for _, k := range optionKeys {
		if v, ok := match[k]; ok {
			args[k] = v
			delete(match, k)
		}
	}
	if !args.Matches(match) {
		return nil, nil
	}
	return []radio.Args{args}, nil
}

func (driver) Make(args radio.Args) (radio.Device, error) {
	opts := Options{Pace: true}
	var err error
	if v, ok := args["loop"]; ok {
		if opts.Loop, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("wavfile: invalid loop '%s'", v)
		}
	}
	if v, ok := args["pace"]; ok {
		if opts.Pace, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("wavfile: invalid pace '%s'", v)
		}
	}
	if v, ok := args["frequency"]; ok {
		if opts.Frequency, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("wavfile: invalid frequency '%s'", v)
		}
	}
	return Open(args["file"], opts)
}

// Options control playback.
type Options struct {
	Loop      bool    // rewind at end of file instead of failing
	Pace      bool    // deliver samples no faster than the file's rate
	Frequency float64 // centre frequency the recording was made at
}

// Device is an opened WAV recording.
type Device struct {
	path string
	opts Options
	file *os.File
	dec  *wav.Decoder
	rate float64

	mu     sync.Mutex
	freq   float64
	stream *Stream
	closed bool
}

var _ radio.Device = (*Device)(nil)

// Open validates the file header and prepares it for playback.
func Open(path string, opts Options) (*Device, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: wavfile needs a 'file' argument", radio.ErrNoDevice)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("wavfile: '%s' is not a valid WAV file", path)
	}
	if dec.NumChans != 2 {
		f.Close()
		return nil, fmt.Errorf("%w: '%s' has %d channels, need 2", radio.ErrNotSupported, path, dec.NumChans)
	}
	if dec.BitDepth != 8 && dec.BitDepth != 16 {
		f.Close()
		return nil, fmt.Errorf("%w: '%s' is %d-bit, need 8 or 16", radio.ErrNotSupported, path, dec.BitDepth)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("wavfile: '%s' has no PCM data: %w", path, err)
	}

	applog.Debugf("WAV: opened %s (%d Hz, %d-bit)", path, dec.SampleRate, dec.BitDepth)
	return &Device{
		path: path,
		opts: opts,
		file: f,
		dec:  dec,
		rate: float64(dec.SampleRate),
		freq: opts.Frequency,
	}, nil
}

func (d *Device) Info() radio.Info {
	return radio.Info{
		Driver:   DriverName,
		Hardware: "WAV " + strconv.Itoa(int(d.dec.BitDepth)) + "-bit",
		Label:    "WAV replay of " + filepath.Base(d.path),
		Serial:   filepath.Base(d.path),
		Extra: radio.Args{
			"file": d.path,
			"loop": strconv.FormatBool(d.opts.Loop),
			"pace": strconv.FormatBool(d.opts.Pace),
		},
	}
}

func (d *Device) NativeFormat(radio.Direction, int) (radio.Format, float64) {
	return radio.CS8, 128
}

// SampleRateRange is the file's own rate; playback cannot resample.
func (d *Device) SampleRateRange(radio.Direction, int) []radio.Range {
	return []radio.Range{{Min: d.rate, Max: d.rate}}
}

func (d *Device) SetSampleRate(dir radio.Direction, channel int, rate float64) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
	}
	if rate != d.rate {
		return fmt.Errorf("wavfile: '%s' was recorded at %.0f S/s, cannot play at %.0f", d.path, d.rate, rate)
	}
	return nil
}

func (d *Device) SampleRate(radio.Direction, int) float64 { return d.rate }

func (d *Device) FrequencyRange(radio.Direction, int) []radio.Range {
	return []radio.Range{{Min: 0, Max: MaxFrequency}}
}

// SetFrequency only relabels the recording.
func (d *Device) SetFrequency(dir radio.Direction, channel int, hz float64, _ radio.Args) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
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

func (d *Device) Antennas(radio.Direction, int) []string { return []string{"FILE"} }

func (d *Device) Gains(radio.Direction, int) []string { return nil }

func (d *Device) OpenStream(dir radio.Direction, format radio.Format, channels []int, _ radio.Args) (radio.Stream, error) {
	if dir != radio.RX {
		return nil, fmt.Errorf("%w: wavfile cannot transmit", radio.ErrNotSupported)
	}
	if format != "" && format != radio.CS8 {
		return nil, fmt.Errorf("%w: wavfile streams only %s, not %s", radio.ErrNotSupported, radio.CS8, format)
	}
	if len(channels) != 1 || channels[0] != 0 {
		return nil, fmt.Errorf("%w: wavfile has one I/Q channel, got %v", radio.ErrNotSupported, channels)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("wavfile: '%s' is closed", d.path)
	}
	if d.stream != nil {
		return nil, fmt.Errorf("wavfile: '%s' already has a stream open", d.path)
	}
	d.stream = &Stream{
		dev: d,
		pcm: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 2, SampleRate: int(d.rate)},
			Data:           make([]int, 2*DefaultMTU),
			SourceBitDepth: int(d.dec.BitDepth),
		},
	}
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
	return d.file.Close()
}

func checkChannel(dir radio.Direction, ch int) error {
	if dir != radio.RX || ch != 0 {
		return fmt.Errorf("%w: wavfile has only RX channel 0", radio.ErrNotSupported)
	}
	return nil
}

// Stream plays the file from its current position. Only the reading
// goroutine may call Read.
type Stream struct {
	dev    *Device
	pcm    *audio.IntBuffer
	active bool
	closed bool
	next   time.Time
}

var _ radio.Stream = (*Stream)(nil)

func (s *Stream) MTU() int { return DefaultMTU }

func (s *Stream) Activate() error {
	if s.closed {
		return fmt.Errorf("%w: stream closed", radio.ErrStreamError)
	}
	s.active = true
	s.next = time.Time{}
	return nil
}

func (s *Stream) Deactivate() error {
	s.active = false
	return nil
}

func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed, s.active = true, false
	s.dev.release(s)
	return nil
}

func (s *Stream) Status(time.Duration) error {
	return radio.ErrNotSupported
}

func (s *Stream) Write([][]byte, time.Duration) (int, error) {
	return 0, fmt.Errorf("%w: wavfile cannot transmit", radio.ErrNotSupported)
}

// Read decodes up to MTU elements into buffs[0]. Reaching the end of a file
// that does not loop ends the stream.
func (s *Stream) Read(buffs [][]byte, timeout time.Duration) (int, error) {
	if !s.active {
		return 0, fmt.Errorf("%w: stream not active", radio.ErrStreamError)
	}
	if len(buffs) != 1 {
		return 0, fmt.Errorf("%w: got %d buffers for 1 channel", radio.ErrStreamError, len(buffs))
	}
	want := min(DefaultMTU, len(buffs[0])/2)
	if want == 0 {
		return 0, nil
	}

	dec := s.dev.dec
	s.pcm.Data = s.pcm.Data[:2*want]
	n, err := s.decode()
	if err != nil {
		return 0, err
	}
	if n < 2 {
		if !s.dev.opts.Loop {
			return 0, fmt.Errorf("%w: end of '%s'", radio.ErrStreamError, s.dev.path)
		}
		// Rewind also seeks forward to the PCM data.
		if err := dec.Rewind(); err != nil {
			return 0, fmt.Errorf("%w: rewind '%s': %v", radio.ErrStreamError, s.dev.path, err)
		}
		applog.Debugf("WAV: %s looped", s.dev.path)
		if n, err = s.decode(); err != nil {
			return 0, err
		}
		if n < 2 {
			return 0, fmt.Errorf("%w: '%s' has no samples", radio.ErrStreamError, s.dev.path)
		}
	}

	elems := n / 2
	ToCS8(buffs[0], s.pcm.Data[:2*elems], int(dec.BitDepth))
	if err := s.wait(elems, timeout); err != nil {
		return 0, err
	}
	return elems, nil
}

// decode fills the PCM buffer. The end of the data is not an error; it
// shows up as a short count.
func (s *Stream) decode() (int, error) {
	n, err := s.dev.dec.PCMBuffer(s.pcm)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("%w: decode '%s': %v", radio.ErrStreamError, s.dev.path, err)
	}
	return n, nil
}

// wait holds delivery back to the file's sample rate.
func (s *Stream) wait(n int, timeout time.Duration) error {
	if !s.dev.opts.Pace {
		return nil
	}
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	due := s.next.Add(time.Duration(float64(n) / s.dev.rate * float64(time.Second)))
	if d := time.Until(due); d > 0 {
		if timeout > 0 && d > timeout {
			// The block is dropped; playback resumes from the next one.
			time.Sleep(timeout)
			s.next = due
			return radio.ErrTimeout
		}
		time.Sleep(d)
	}
	s.next = due
	return nil
}

// ToCS8 converts decoded PCM samples to signed 8-bit bytes. 8-bit WAV is
// unsigned with an offset of 128; 16-bit keeps its top byte.
func ToCS8(dst []byte, pcm []int, bitDepth int) {
	for i, v := range pcm {
		if bitDepth == 8 {
			dst[i] = byte(int8(v - 128))
		} else {
			dst[i] = byte(int8(v >> 8))
		}
	}
}
