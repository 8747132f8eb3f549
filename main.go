package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"syscall"

	"sdrpipe/cmd"
	"sdrpipe/internal/config"
	"sdrpipe/internal/engine"
	applog "sdrpipe/internal/log"
	"sdrpipe/internal/radio"
	"sdrpipe/internal/shutdown"
	"sdrpipe/internal/transport"
	"sdrpipe/internal/transport/udp"
	"sdrpipe/internal/tui"
	"sdrpipe/pkg/build"

	// Radio drivers register themselves.
	_ "sdrpipe/internal/radio/rtltcp"
	_ "sdrpipe/internal/radio/sim"
	_ "sdrpipe/internal/radio/soundcard"
	_ "sdrpipe/internal/radio/wavfile"
)

// main is the entry point for the acquisition pipeline.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Parse command line arguments and load configuration
//   - Execute one-off commands if requested
//   - Open the event transports
//
// 2. Concurrent Phase (Hot Path):
//   - Discover radios, set rate and frequency on each
//   - Start one acquisition loop and analysis handler per radio
//   - Publish throughput and spectra until a signal arrives
//
// 3. Shutdown Phase (Cold Path):
//   - Stop every queue and loop, drain handlers
//   - Close devices and transports
func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			applog.Errorf("Fatal: %v\n%s", r, debug.Stack())
			code = 1
		}
	}()

	// ==================== STARTUP PHASE (Cold Path) ====================

	if err := build.Initialize(); err != nil {
		applog.Debugf("Build information incomplete: %v", err)
	}

	options, err := cmd.ParseArgs()
	if err != nil {
		applog.Errorf("%v", err)
		return 2
	}
	// --help and --version
	if options.Config == nil {
		return 0
	}
	cfg := options.Config
	configureLogging(cfg)
	applog.Debugf("Starting %s", build.GetBuildFlags())

	filter := cmd.DeviceFilter(cfg)
	if options.Command == cmd.CommandList {
		if err := listDevices(filter, options.Interactive); err != nil {
			applog.Errorf("%v", err)
			return 1
		}
		return 0
	}

	stopSignals := shutdown.Default.NotifySignals(os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	events, err := openTransports(cfg)
	if err != nil {
		applog.Errorf("%v", err)
		return 1
	}
	defer events.Close()
	reporter := transport.NewEventReporter(events, cfg.Analysis.SpectrumInterval)

	engineOpts, err := cmd.EngineOptions(cfg)
	if err != nil {
		applog.Errorf("%v", err)
		return 1
	}
	engineOpts.Shutdown = shutdown.Default
	engineOpts.Reporter = reporter
	engineOpts.Sink = reporter
	streamOpts, err := cmd.StreamOptions(cfg)
	if err != nil {
		applog.Errorf("%v", err)
		return 1
	}

	// ==================== CONCURRENT PHASE (Hot Path) ====================

	m := engine.New(engineOpts)
	defer m.Close()

	count, err := m.DeviceSearch(filter)
	if err != nil {
		applog.Errorf("Device search failed: %v", err)
		return 1
	}
	applog.Infof("Found %d device(s)", count)

	started := 0
	for i := 1; i <= count; i++ {
		if startDevice(m, i, cfg, streamOpts) {
			started++
		}
	}
	if started == 0 {
		applog.Errorf("No device could be started")
		return 1
	}

	if cfg.Transport.UDPEnabled {
		publisher, err := openPublisher(cfg, m)
		if err != nil {
			applog.Errorf("%v", err)
			return 1
		}
		defer publisher.Close()
	}

	applog.Infof("Streaming from %d device(s); press Ctrl-C to stop", started)
	m.WaitShutdownSignal()

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	applog.Infof("Shutting down")
	m.StopStreams()
	return 0
}

func configureLogging(cfg *config.Config) {
	level, _ := applog.ParseLevel(cfg.LogLevel)
	if cfg.Debug {
		level = applog.LevelDebug
	}
	applog.SetLevel(level)
}

// startDevice configures and starts one device. Failures are logged and the
// device is skipped.
func startDevice(m *engine.Manager, index int, cfg *config.Config, opts engine.StreamOptions) bool {
	channel := opts.Channels[0]
	rate, err := m.SetSampleRate(index, engine.RateOptions{
		Direction:  opts.Direction,
		Channel:    channel,
		SampleRate: cfg.Radio.SampleRate,
	})
	if err != nil {
		applog.Errorf("Device #%d: set sample rate: %v", index, err)
		return false
	}
	if rate != cfg.Radio.SampleRate {
		applog.Infof("Device #%d: sample rate clamped to %.0f S/s", index, rate)
	}
	if err := m.SetFrequency(index, engine.TuneOptions{
		Direction: opts.Direction,
		Channel:   channel,
		Frequency: cfg.Radio.Frequency,
	}); err != nil {
		applog.Errorf("Device #%d: set frequency: %v", index, err)
		return false
	}
	m.PrintDevice(index)

	if err := m.StartStream(index, opts); err != nil {
		applog.Errorf("Device #%d: start stream: %v", index, err)
		return false
	}
	return true
}

// openTransports always logs events and adds the WebSocket server when
// enabled.
func openTransports(cfg *config.Config) (*transport.MultiTransport, error) {
	ts := []transport.Transport{transport.NewLoggingTransport()}
	if cfg.Transport.WebSocketEnabled {
		ws, err := transport.NewWebSocketTransport(cfg.Transport.WebSocketAddress)
		if err != nil {
			return nil, err
		}
		applog.Infof("Events: ws://%s%s", ws.Addr(), transport.EventsPath)
		ts = append(ts, ws)
	}
	return transport.NewMultiTransport(ts...), nil
}

func openPublisher(cfg *config.Config, m *engine.Manager) (*udpPublisher, error) {
	sender, err := udp.NewUDPSender(cfg.Transport.UDPTargetAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP sender: %w", err)
	}
	publisher, err := udp.NewUDPPublisher(cfg.Transport.UDPSendInterval, cfg.Transport.UDPMaxBins, sender, m)
	if err != nil {
		sender.Close()
		return nil, err
	}
	publisher.Start()
	return &udpPublisher{publisher: publisher, sender: sender}, nil
}

// udpPublisher stops the publisher before closing its socket.
type udpPublisher struct {
	publisher *udp.UDPPublisher
	sender    *udp.UDPSender
}

func (p *udpPublisher) Close() error {
	return errors.Join(p.publisher.Close(), p.sender.Close())
}

func listDevices(filter radio.Args, interactive bool) error {
	if interactive {
		sel, ok, err := tui.StartDeviceListUI(filter)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("%s %s\n", build.GetBuildFlags().Name, sel.Flags())
		}
		return nil
	}

	found, err := radio.Enumerate(filter)
	if err != nil {
		return err
	}
	fmt.Printf("\nAvailable Radios (drivers: %v)\n\n", radio.Drivers())
	if len(found) == 0 {
		fmt.Println("No radios found.")
		return nil
	}
	for i, args := range found {
		fmt.Printf("[%d] %s (%s)\n", i+1, args["label"], args["driver"])
		fmt.Printf("    %s\n\n", args)
	}
	return nil
}
