package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sdrpipe/internal/analysis"
	"sdrpipe/internal/config"
	"sdrpipe/internal/engine"
	"sdrpipe/internal/queue"
	"sdrpipe/internal/radio"
	"sdrpipe/pkg/build"
)

// Commands that run once instead of starting the pipeline.
const (
	CommandRun  = ""
	CommandList = "list"
)

// Options is the outcome of parsing the command line. Config is nil when
// cobra handled the invocation itself (--help, --version).
type Options struct {
	Config      *config.Config
	Command     string
	Interactive bool
}

// flagValues receives the raw flag values; only flags the user set are
// applied on top of the configuration file.
type flagValues struct {
	configPath  string
	sampleRate  float64
	frequency   float64
	driver      string
	args        string
	format      string
	channels    []int
	queueDepth  int
	queuePolicy string
	window      string
	logLevel    string
	verbose     bool
	udp         bool
	ws          bool
}

// ParseArgs parses os.Args and loads the resulting configuration.
func ParseArgs() (*Options, error) {
	return parse(os.Args[1:])
}

func parse(argv []string) (*Options, error) {
	buildInfo := build.GetBuildFlags()
	options := &Options{}
	flags := &flagValues{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         build.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Command = CommandRun
			return options.load(cmd, flags)
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the radios the selected drivers can find",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Command = CommandList
			return options.load(cmd, flags)
		},
	}
	listCmd.Flags().BoolVarP(&options.Interactive, "interactive", "i", false,
		"Browse devices in an interactive terminal UI")
	rootCmd.AddCommand(listCmd)

	pf := rootCmd.PersistentFlags()

	pf.StringVar(&flags.configPath, "config", "",
		"Path to a YAML configuration file (default: sdrpipe.yaml or config.yaml if present)")

	// Radio Configuration
	pf.Float64VarP(&flags.sampleRate, "rate", "r", config.DefaultSampleRate,
		"Sample rate in S/s, clamped to what each device supports")
	pf.Float64VarP(&flags.frequency, "frequency", "f", config.DefaultFrequency,
		"Center frequency in Hz")
	pf.StringVar(&flags.driver, "driver", "",
		"Only search this driver (sim, rtltcp, soundcard, wavfile)")
	pf.StringVar(&flags.args, "args", "",
		"Driver arguments as key=value pairs separated by commas, e.g. 'addr=10.0.0.2:1234'")
	pf.StringVar(&flags.format, "format", config.DefaultFormat,
		"Stream sample format (CS8, CU8, CS16, CF32); empty uses the device's native format")
	pf.IntSliceVar(&flags.channels, "channels", []int{0},
		"Channels to stream together")

	// Pipeline Configuration
	pf.IntVar(&flags.queueDepth, "queue-depth", config.DefaultQueueDepth,
		"Blocks held per device before the queue policy applies; 0 is unbounded")
	pf.StringVar(&flags.queuePolicy, "queue-policy", config.DefaultQueuePolicy,
		"What a full queue does: drop-oldest, drop-newest or block")
	pf.StringVar(&flags.window, "window", config.DefaultWindow,
		"Window applied before the FFT (none, hann, hamming, blackman, ...)")

	// Output Configuration
	pf.BoolVar(&flags.udp, "udp", false,
		"Send decibel spectra over UDP to transport.udp_target_address")
	pf.BoolVar(&flags.ws, "ws", false,
		"Serve JSON events over WebSocket on transport.websocket_address")

	// Debug Configuration
	pf.StringVar(&flags.logLevel, "log-level", config.DefaultLogLevel,
		"Log level (debug, info, warn, error)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false,
		"Show debug output")

	// Execute the CLI
	rootCmd.SetArgs(argv)
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	return options, nil
}

// load reads the configuration file and applies the flags the user set.
func (o *Options) load(cmd *cobra.Command, flags *flagValues) error {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}

	fs := cmd.Flags()
	if fs.Changed("rate") {
		cfg.Radio.SampleRate = flags.sampleRate
	}
	if fs.Changed("frequency") {
		cfg.Radio.Frequency = flags.frequency
	}
	if fs.Changed("driver") {
		cfg.Radio.Driver = flags.driver
	}
	if fs.Changed("args") {
		extra, err := ParseDeviceArgs(flags.args)
		if err != nil {
			return err
		}
		cfg.Radio.Args = radio.Args(cfg.Radio.Args).Merge(extra)
	}
	if fs.Changed("format") {
		cfg.Radio.Format = flags.format
	}
	if fs.Changed("channels") {
		cfg.Radio.Channels = flags.channels
	}
	if fs.Changed("queue-depth") {
		cfg.Queue.MaxDepth = flags.queueDepth
	}
	if fs.Changed("queue-policy") {
		cfg.Queue.Policy = flags.queuePolicy
	}
	if fs.Changed("window") {
		cfg.Analysis.Window = flags.window
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if flags.verbose {
		cfg.Debug = true
	}
	if flags.udp {
		cfg.Transport.UDPEnabled = true
	}
	if flags.ws {
		cfg.Transport.WebSocketEnabled = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.Config = cfg
	return nil
}

// ParseDeviceArgs parses "key=value,key=value".
func ParseDeviceArgs(s string) (radio.Args, error) {
	args := radio.Args{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid device argument '%s', want key=value", pair)
		}
		args[key] = strings.TrimSpace(value)
	}
	return args, nil
}

// DeviceFilter is the discovery filter for cfg.
func DeviceFilter(cfg *config.Config) radio.Args {
	filter := radio.Args(cfg.Radio.Args).Merge(nil)
	if cfg.Radio.Driver != "" {
		filter["driver"] = cfg.Radio.Driver
	}
	return filter
}

// EngineOptions translates the queue and analysis sections. The caller
// fills in the reporter and sink.
func EngineOptions(cfg *config.Config) (engine.Options, error) {
	policy, err := queue.ParsePolicy(cfg.Queue.Policy)
	if err != nil {
		return engine.Options{}, err
	}
	window, err := analysis.ParseWindowFunc(cfg.Analysis.Window)
	if err != nil {
		return engine.Options{}, err
	}

	qopts := []queue.Option{queue.WithMaxDepth(cfg.Queue.MaxDepth, policy)}
	if cfg.Queue.DiscardOnStop {
		qopts = append(qopts, queue.WithDiscardOnStop())
	}
	return engine.Options{
		Queue:     qopts,
		Window:    window,
		PlanCache: cfg.Analysis.PlanCache,
	}, nil
}

// StreamOptions translates the radio and stream sections.
func StreamOptions(cfg *config.Config) (engine.StreamOptions, error) {
	dir, err := radio.ParseDirection(cfg.Radio.Direction)
	if err != nil {
		return engine.StreamOptions{}, err
	}
	format, err := radio.ParseFormat(cfg.Radio.Format)
	if err != nil {
		return engine.StreamOptions{}, err
	}
	channels := cfg.Radio.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}
	return engine.StreamOptions{
		Direction:      dir,
		Channels:       channels,
		Format:         format,
		ReadTimeout:    cfg.Stream.ReadTimeout,
		StatusInterval: cfg.Stream.StatusInterval,
		ReportInterval: cfg.Stream.ReportInterval,
	}, nil
}
