// SPDX-License-Identifier: MIT
/*
Package engine manages the set of radios found at startup and the pipeline
each one runs:

  - Devices are addressed by 1-based index in discovery order.
  - Each streaming device owns one Handoff Queue, one acquisition task and
    one analysis handler, created together by StartStream and torn down
    together by StopStream, a fatal stream error, or process shutdown.
  - A single mutex serialises access to the device collection, so setup calls
    may race safely with teardown triggered by a signal.

On shutdown the coordinator's hook stops every queue first; loops then notice
the flag at their next iteration and tear their sessions down, and handlers
exit once their queues are stopped and drained.
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sdrpipe/internal/analysis"
	applog "sdrpipe/internal/log"
	"sdrpipe/internal/queue"
	"sdrpipe/internal/radio"
	"sdrpipe/internal/shutdown"
	"sdrpipe/internal/stream"
)

// Defaults used by the command line when nothing is configured.
const (
	DefaultSampleRate = 30.72e6
	DefaultFrequency  = 433e6
)

var (
	ErrInvalidIndex     = errors.New("device number not valid")
	ErrAlreadyStreaming = errors.New("device is already streaming")
	ErrNotStreaming     = errors.New("device is not streaming")
	ErrClosed           = errors.New("engine closed")
)

// RateOptions configures SetSampleRate.
type RateOptions struct {
	Direction  radio.Direction
	Channel    int
	SampleRate float64
}

// TuneOptions configures SetFrequency.
type TuneOptions struct {
	Direction radio.Direction
	Channel   int
	Frequency float64
	Args      radio.Args
}

// StreamOptions configures StartStream. Zero intervals use the stream
// package defaults.
type StreamOptions struct {
	Direction radio.Direction
	Channels  []int
	Format    radio.Format
	Args      radio.Args

	ReadTimeout    time.Duration
	StatusInterval time.Duration
	ReportInterval time.Duration
}

// Options configure a Manager.
type Options struct {
	// Shutdown is the coordinator loops poll. nil uses shutdown.Default.
	Shutdown *shutdown.Coordinator
	// Queue options applied to every device queue.
	Queue []queue.Option
	// Window and PlanCache configure each device's analysis.
	Window    analysis.WindowFunc
	PlanCache int
	// Reporter receives throughput reports; Sink receives spectral results.
	Reporter stream.Reporter
	Sink     analysis.Sink
}

type pipeline struct {
	queue   *queue.RawQueue
	handler *analysis.Handler
	task    *stream.Task
	watched chan struct{} // closed once the queue has been stopped after the task exits
}

type deviceData struct {
	index  int
	device radio.Device
	args   radio.Args
	pipe   *pipeline
	last   *analysis.Handler // handler of the most recent pipeline
}

// Manager owns every discovered device. Safe for concurrent use.
type Manager struct {
	opts     Options
	shutdown *shutdown.Coordinator

	mu      sync.Mutex
	devices []*deviceData
	closed  bool
}

// New returns an empty manager and registers its queue-stop hook with the
// shutdown coordinator.
func New(opts Options) *Manager {
	m := &Manager{opts: opts, shutdown: opts.Shutdown}
	if m.shutdown == nil {
		m.shutdown = shutdown.Default
	}
	m.shutdown.OnShutdown(m.stopQueues)
	return m
}

// deviceLocked returns the device at 1-based index. Caller holds m.mu.
func (m *Manager) deviceLocked(index int) (*deviceData, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if index < 1 || index > len(m.devices) {
		return nil, fmt.Errorf("%w: %d, valid range: 1 - %d", ErrInvalidIndex, index, len(m.devices))
	}
	return m.devices[index-1], nil
}

func (m *Manager) device(index int) (*deviceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceLocked(index)
}

// DeviceSearch enumerates devices matching filter and makes each one. A
// device that fails to make is logged and skipped. It returns the number of
// devices held afterwards, and an error when there are none.
func (m *Manager) DeviceSearch(filter radio.Args) (int, error) {
	defer applog.Trace("engine.DeviceSearch")()

	found, err := radio.Enumerate(filter)
	if err != nil {
		return m.Count(), fmt.Errorf("enumerate devices: %w", err)
	}
	if len(found) == 0 {
		applog.Errorf("Devices aren't found, no work to do")
		return m.Count(), radio.ErrNoDevice
	}
	applog.Infof("**** Number of devices found: %d ****", len(found))

	for _, args := range found {
		m.addDevice(args)
	}

	n := m.Count()
	if n == 0 {
		return 0, fmt.Errorf("no device could be made: %w", radio.ErrNoDevice)
	}
	return n, nil
}

func (m *Manager) addDevice(args radio.Args) bool {
	ident := args["serial"]
	if ident == "" {
		ident = "undefined"
	}

	dev, err := radio.Make(args)
	if err != nil {
		applog.Errorf("Device %s: make failed: %v", ident, err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		dev.Close()
		return false
	}
	m.devices = append(m.devices, &deviceData{
		index:  len(m.devices) + 1,
		device: dev,
		args:   args,
	})
	applog.Infof("Device %s made (#%d)", ident, len(m.devices))
	return true
}

// Count returns the number of devices held.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// guard runs a driver call, turning a panic into an error.
func guard(op string, index int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device #%d: %s: driver panic: %v", index, op, r)
		}
		if err != nil {
			applog.Errorf("%v", err)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("device #%d: %s: %w", index, op, err)
	}
	return nil
}

// SetSampleRate applies opts.SampleRate clamped to the smallest maximum of
// the device's advertised ranges, and returns the rate requested from the
// driver.
func (m *Manager) SetSampleRate(index int, opts RateOptions) (float64, error) {
	defer applog.Trace("engine.SetSampleRate")()

	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.deviceLocked(index)
	if err != nil {
		applog.Errorf("SetSampleRate: %v", err)
		return 0, err
	}

	rate := opts.SampleRate
	err = guard("set sample rate", index, func() error {
		for _, r := range d.device.SampleRateRange(opts.Direction, opts.Channel) {
			applog.Infof("Direction: %s Channel: %d minimum: %g maximum: %g step: %g",
				opts.Direction, opts.Channel, r.Min, r.Max, r.Step)
			rate = min(rate, r.Max)
		}
		applog.Infof("Setting sample rate to %g", rate)
		return d.device.SetSampleRate(opts.Direction, opts.Channel, rate)
	})
	return rate, err
}

// SetFrequency tunes one channel.
func (m *Manager) SetFrequency(index int, opts TuneOptions) error {
	defer applog.Trace("engine.SetFrequency")()

	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.deviceLocked(index)
	if err != nil {
		applog.Errorf("SetFrequency: %v", err)
		return err
	}
	return guard("set frequency", index, func() error {
		return d.device.SetFrequency(opts.Direction, opts.Channel, opts.Frequency, opts.Args)
	})
}

// StartStream opens a session on the device and starts its acquisition task
// and analysis handler. Setup failures are returned and leave the device idle.
func (m *Manager) StartStream(index int, opts StreamOptions) error {
	defer applog.Trace("engine.StartStream")()

	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.deviceLocked(index)
	if err != nil {
		applog.Errorf("StartStream: %v", err)
		return err
	}
	if d.pipe != nil {
		select {
		case <-d.pipe.watched:
			d.pipe.handler.Wait()
		default:
			return fmt.Errorf("device #%d: %w", index, ErrAlreadyStreaming)
		}
	}
	if m.shutdown.Requested() {
		return fmt.Errorf("device #%d: start stream: shutdown in progress", index)
	}

	var session *stream.Session
	err = guard("open stream", index, func() (err error) {
		session, err = stream.OpenSession(d.device, stream.Config{
			Direction:      opts.Direction,
			Format:         opts.Format,
			Channels:       opts.Channels,
			Args:           opts.Args,
			ReadTimeout:    opts.ReadTimeout,
			StatusInterval: opts.StatusInterval,
			ReportInterval: opts.ReportInterval,
		})
		return err
	})
	if err != nil {
		return err
	}

	id := fmt.Sprintf("#%d", index)
	q := queue.New[queue.Block](m.opts.Queue...)
	handler := analysis.NewHandler(id, q, analysis.NewSpectrum(m.opts.Window, m.opts.PlanCache), m.opts.Sink)
	handler.Start()

	p := &pipeline{
		queue:   q,
		handler: handler,
		task:    stream.Start(stream.NewLoop(id, session, q, m.shutdown, m.opts.Reporter)),
		watched: make(chan struct{}),
	}
	d.pipe, d.last = p, handler

	// The queue lives exactly as long as its producer.
	go func() {
		<-p.task.Done()
		if _, err := p.task.Wait(); err != nil {
			applog.Errorf("Device #%d: stream stopped: %v", index, err)
		}
		q.StopQueue()
		close(p.watched)
	}()
	return nil
}

// StopStream stops one device's pipeline and waits for it to drain. It
// returns the final throughput report and the loop's fatal error, if any.
func (m *Manager) StopStream(index int) (stream.Throughput, error) {
	defer applog.Trace("engine.StopStream")()

	m.mu.Lock()
	d, err := m.deviceLocked(index)
	if err != nil {
		m.mu.Unlock()
		return stream.Throughput{}, err
	}
	p := d.pipe
	d.pipe = nil
	m.mu.Unlock()

	if p == nil {
		return stream.Throughput{}, fmt.Errorf("device #%d: %w", index, ErrNotStreaming)
	}
	return p.stop()
}

func (p *pipeline) stop() (stream.Throughput, error) {
	p.task.Stop()
	final, err := p.task.Wait()
	<-p.watched
	if herr := p.handler.Wait(); herr != nil {
		err = errors.Join(err, herr)
	}
	return final, err
}

// StopStreams requests process shutdown, which stops every queue, and waits
// for all pipelines to finish.
func (m *Manager) StopStreams() {
	defer applog.Trace("engine.StopStreams")()

	m.shutdown.Request()

	m.mu.Lock()
	var pipes []*pipeline
	for _, d := range m.devices {
		if d.pipe != nil {
			pipes = append(pipes, d.pipe)
			d.pipe = nil
		}
	}
	m.mu.Unlock()

	for _, p := range pipes {
		p.stop()
	}
}

// stopQueues is the shutdown hook.
func (m *Manager) stopQueues() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.pipe != nil {
			d.pipe.queue.StopQueue()
		}
	}
}

// WaitShutdownSignal blocks until shutdown is requested.
func (m *Manager) WaitShutdownSignal() {
	defer applog.Trace("engine.WaitShutdownSignal")()
	m.shutdown.Wait()
}

// Streaming reports whether the device has a running pipeline.
func (m *Manager) Streaming(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.deviceLocked(index)
	if err != nil || d.pipe == nil {
		return false
	}
	select {
	case <-d.pipe.watched:
		return false
	default:
		return true
	}
}

// HardwareInfo returns the enumeration arguments of a device.
func (m *Manager) HardwareInfo(index int) (radio.Args, error) {
	d, err := m.device(index)
	if err != nil {
		return nil, err
	}
	return d.args.Merge(nil), nil
}

// Description is a snapshot of a device's identity and receive settings.
type Description struct {
	Index           int
	Args            radio.Args
	Info            radio.Info
	Antennas        []string
	Gains           []string
	FrequencyRanges []radio.Range
	SampleRate      float64
	Frequency       float64
}

// Describe reports the device's hardware info and channel 0 receive settings.
func (m *Manager) Describe(index int) (Description, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.deviceLocked(index)
	if err != nil {
		return Description{}, err
	}

	desc := Description{Index: index}
	err = guard("describe", index, func() error {
		info := d.device.Info()
		desc.Info = info
		desc.Args = d.args.Merge(info.Extra)
		desc.Antennas = d.device.Antennas(radio.RX, 0)
		desc.Gains = d.device.Gains(radio.RX, 0)
		desc.FrequencyRanges = d.device.FrequencyRange(radio.RX, 0)
		desc.SampleRate = d.device.SampleRate(radio.RX, 0)
		desc.Frequency = d.device.Frequency(radio.RX, 0)
		return nil
	})
	return desc, err
}

// PrintDevice logs Describe's result for the device.
func (m *Manager) PrintDevice(index int) {
	desc, err := m.Describe(index)
	if err != nil {
		return
	}
	applog.Infof("Device #%d: %s %s", index, desc.Info.Driver, desc.Info.Label)
	for _, kv := range strings.Split(desc.Args.String(), ", ") {
		if kv != "" {
			applog.Infof("  %s", kv)
		}
	}
	applog.Infof("  Rx antennas: %s", strings.Join(desc.Antennas, ", "))
	applog.Infof("  Rx gains: %s", strings.Join(desc.Gains, ", "))
	ranges := make([]string, len(desc.FrequencyRanges))
	for i, r := range desc.FrequencyRanges {
		ranges[i] = fmt.Sprintf("[%g Hz -> %g Hz]", r.Min, r.Max)
	}
	applog.Infof("  Rx freq ranges: %s", strings.Join(ranges, ", "))
	applog.Infof("  Rx sample rate: %g, frequency: %g", desc.SampleRate, desc.Frequency)
}

// DeviceSpectrum pairs a device index with its analysis handler.
type DeviceSpectrum struct {
	Index    int
	Provider analysis.SpectrumProvider
}

// Spectra returns the handler of the most recent pipeline of each device
// that has streamed, in index order.
func (m *Manager) Spectra() []DeviceSpectrum {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeviceSpectrum
	for _, d := range m.devices {
		if d.last != nil {
			out = append(out, DeviceSpectrum{Index: d.index, Provider: d.last})
		}
	}
	return out
}

// Close stops every pipeline and releases every device. Later calls do
// nothing.
func (m *Manager) Close() error {
	defer applog.Trace("engine.Close")()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.StopStreams()

	m.mu.Lock()
	devices := m.devices
	m.devices = nil
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := d.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device #%d: close: %w", d.index, err))
			continue
		}
		applog.Infof("Unmake device: %s", d.args["serial"])
	}
	return errors.Join(errs...)
}
