package utils

import (
	"math"
	"math/rand/v2"
	"sync"
)

// MockTransport implements the Transport interface for testing. It records a
// copy of every message sent.
type MockTransport struct {
	mu       sync.Mutex
	messages []any
	closed   bool
}

// Send stores the message for later inspection instead of transmitting.
// Float slices are copied so callers may reuse their buffers.
func (m *MockTransport) Send(data any) error {
	if v, ok := data.([]float64); ok {
		data = append([]float64(nil), v...)
	}
	m.mu.Lock()
	m.messages = append(m.messages, data)
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Messages returns everything sent so far, oldest first.
func (m *MockTransport) Messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.messages...)
}

// Last returns the most recent message, or nil.
func (m *MockTransport) Last() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return nil
	}
	return m.messages[len(m.messages)-1]
}

func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GenerateIQTone returns pairs interleaved I/Q samples of a complex tone at
// cyclesPerSample (cycles per complex sample, negative for a tone below the
// centre frequency). Values are rounded and clamped to int8.
func GenerateIQTone(pairs int, cyclesPerSample, amplitude float64) []int8 {
	buffer := make([]int8, 2*pairs)
	for i := range pairs {
		phase := 2 * math.Pi * cyclesPerSample * float64(i)
		buffer[2*i] = ClampInt8(amplitude * math.Cos(phase))
		buffer[2*i+1] = ClampInt8(amplitude * math.Sin(phase))
	}
	return buffer
}

// GenerateIQNoise returns pairs interleaved samples of Gaussian noise with the
// given standard deviation. The same seed gives the same block.
func GenerateIQNoise(pairs int, sigma float64, seed uint64) []int8 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	buffer := make([]int8, 2*pairs)
	for i := range buffer {
		buffer[i] = ClampInt8(rng.NormFloat64() * sigma)
	}
	return buffer
}

// ClampInt8 rounds v to the nearest int8, saturating at the type's limits.
func ClampInt8(v float64) int8 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt8:
		return math.MaxInt8
	case v < math.MinInt8:
		return math.MinInt8
	}
	return int8(v)
}

func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
