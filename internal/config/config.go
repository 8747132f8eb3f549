package config

import "time"

// Defaults for the acquisition pipeline. The sample rate and frequency are
// the values the receiver runs at when nothing else is configured.
const (
	DefaultLogLevel   = "info"
	DefaultSampleRate = 30.72e6 // S/s, clamped to what each device supports
	DefaultFrequency  = 433e6   // Hz
	DefaultDirection  = "rx"
	DefaultFormat     = "" // device native format

	DefaultQueueDepth  = 64
	DefaultQueuePolicy = "drop-oldest"

	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultStatusInterval = time.Second
	DefaultReportInterval = 5 * time.Second

	DefaultWindow           = "none"
	DefaultPlanCache        = 8
	DefaultSpectrumInterval = 100 * time.Millisecond

	DefaultUDPTargetAddress = "127.0.0.1:9090"
	DefaultUDPSendInterval  = 33 * time.Millisecond // ~30Hz
	DefaultUDPMaxBins       = 4096
	DefaultWebSocketAddress = "127.0.0.1:8080"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Radio: RadioConfig{
			SampleRate: DefaultSampleRate,
			Frequency:  DefaultFrequency,
			Direction:  DefaultDirection,
			Channels:   []int{0},
			Format:     DefaultFormat,
		},
		Queue: QueueConfig{
			MaxDepth: DefaultQueueDepth,
			Policy:   DefaultQueuePolicy,
		},
		Stream: StreamConfig{
			ReadTimeout:    DefaultReadTimeout,
			StatusInterval: DefaultStatusInterval,
			ReportInterval: DefaultReportInterval,
		},
		Analysis: AnalysisConfig{
			Window:           DefaultWindow,
			PlanCache:        DefaultPlanCache,
			SpectrumInterval: DefaultSpectrumInterval,
		},
		Transport: TransportConfig{
			UDPTargetAddress: DefaultUDPTargetAddress,
			UDPSendInterval:  DefaultUDPSendInterval,
			UDPMaxBins:       DefaultUDPMaxBins,
			WebSocketAddress: DefaultWebSocketAddress,
		},
	}
}
