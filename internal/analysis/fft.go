// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/queue"
)

// WindowFunc selects the window applied to a block before the transform.
type WindowFunc int

const (
	NoWindow WindowFunc = iota
	BartlettHann
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

var windowNames = [...]string{
	NoWindow:        "none",
	BartlettHann:    "bartletthann",
	Blackman:        "blackman",
	BlackmanNuttall: "blackmannuttall",
	Hann:            "hann",
	Hamming:         "hamming",
	Lanczos:         "lanczos",
	Nuttall:         "nuttall",
}

func (w WindowFunc) String() string {
	if w < 0 || int(w) >= len(windowNames) {
		return fmt.Sprintf("WindowFunc(%d)", int(w))
	}
	return windowNames[w]
}

// ParseWindowFunc converts a case-insensitive name to a WindowFunc. The empty
// string selects NoWindow. Unknown names return NoWindow and an error.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "rectangular":
		return NoWindow, nil
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return NoWindow, fmt.Errorf("unknown window function name: '%s'", name)
	}
}

// applyWindow scales seq in place.
func applyWindow(seq []complex128, w WindowFunc) {
	switch w {
	case NoWindow:
	case BartlettHann:
		window.BartlettHannComplex(seq)
	case Blackman:
		window.BlackmanComplex(seq)
	case BlackmanNuttall:
		window.BlackmanNuttallComplex(seq)
	case Hann:
		window.HannComplex(seq)
	case Hamming:
		window.HammingComplex(seq)
	case Lanczos:
		window.LanczosComplex(seq)
	case Nuttall:
		window.NuttallComplex(seq)
	default:
		applog.Warnf("Analysis: unknown window function %d, leaving block unwindowed", int(w))
	}
}

const (
	// DecibelFloor is reported for bins whose magnitude is zero.
	DecibelFloor = -200.0

	// DefaultPlanCacheSize is the number of transform sizes kept ready.
	DefaultPlanCacheSize = 8
)

// Result summarises the decibel spectrum of one block.
type Result struct {
	MaxDB   float64
	MinDB   float64
	MeanDB  float64
	RMSDB   float64
	Bins    int
	PeakBin int
}

func (r Result) String() string {
	return fmt.Sprintf("max %.2f dB, min %.2f dB, mean %.2f dB, rms %.2f dB (%d bins, peak %d)",
		r.MaxDB, r.MinDB, r.MeanDB, r.RMSDB, r.Bins, r.PeakBin)
}

// Spectrum turns raw interleaved blocks into decibel spectra. A Spectrum is
// not safe for concurrent use; each consumer owns one.
type Spectrum struct {
	window   WindowFunc
	maxPlans int
	plans    map[int]*fourier.CmplxFFT
	order    []int // plan sizes, oldest first

	in  []complex128
	out []complex128
	db  []float64
}

// NewSpectrum returns a Spectrum using w. planCache bounds the number of
// cached transform plans; values <= 0 use DefaultPlanCacheSize.
func NewSpectrum(w WindowFunc, planCache int) *Spectrum {
	if planCache <= 0 {
		planCache = DefaultPlanCacheSize
	}
	return &Spectrum{
		window:   w,
		maxPlans: planCache,
		plans:    make(map[int]*fourier.CmplxFFT, planCache),
	}
}

func (s *Spectrum) Window() WindowFunc { return s.window }

// plan returns the cached transform for n points, evicting the oldest size
// when the cache is full.
func (s *Spectrum) plan(n int) *fourier.CmplxFFT {
	if p, ok := s.plans[n]; ok {
		return p
	}
	if len(s.order) >= s.maxPlans {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.plans, oldest)
	}
	p := fourier.NewCmplxFFT(n)
	s.plans[n] = p
	s.order = append(s.order, n)
	applog.Debugf("Analysis: new %d point plan (%d cached)", n, len(s.plans))
	return p
}

// Analyze transforms block and reduces the spectrum. It returns false when
// the block holds no complete I/Q pair. The decibel bins stay available
// through Decibels until the next call.
func (s *Spectrum) Analyze(block queue.Block) (Result, bool) {
	n := len(block) / 2
	if n == 0 {
		return Result{}, false
	}

	s.in = Deinterleave(block, grow(s.in, n))
	applyWindow(s.in, s.window)

	s.out = s.plan(n).Coefficients(grow(s.out, n), s.in)

	s.db = growFloat(s.db, n)
	scale := 1 / float64(n)
	for i, c := range s.out {
		s.db[i] = AmplitudeToDB(cmplx.Abs(c) * scale)
	}
	return Summarize(s.db), true
}

// Decibels is the spectrum computed by the last Analyze call, in transform
// order. The slice is reused.
func (s *Spectrum) Decibels() []float64 { return s.db }

// Deinterleave converts I/Q byte pairs into complex samples, reusing dst. A
// trailing unpaired byte is ignored.
func Deinterleave(block []int8, dst []complex128) []complex128 {
	n := len(block) / 2
	dst = grow(dst, n)
	for i := range n {
		dst[i] = complex(float64(block[2*i]), float64(block[2*i+1]))
	}
	return dst
}

// AmplitudeToDB converts a linear amplitude to decibels, clamped at
// DecibelFloor.
func AmplitudeToDB(a float64) float64 {
	if a <= 0 {
		return DecibelFloor
	}
	return math.Max(20*math.Log10(a), DecibelFloor)
}

// Summarize reduces decibel bins to their extrema, mean and root mean square.
func Summarize(db []float64) Result {
	if len(db) == 0 {
		return Result{}
	}
	r := Result{MaxDB: db[0], MinDB: db[0], Bins: len(db)}
	var sum, sumSq float64
	for i, v := range db {
		if v > r.MaxDB {
			r.MaxDB = v
			r.PeakBin = i
		}
		r.MinDB = min(r.MinDB, v)
		sum += v
		sumSq += v * v
	}
	n := float64(len(db))
	r.MeanDB = sum / n
	r.RMSDB = math.Sqrt(sumSq / n)
	return r
}

// BinFrequency returns the baseband offset in Hz of bin for an n point
// transform at sampleRate. Bins above n/2 are negative frequencies.
func BinFrequency(bin, n int, sampleRate float64) float64 {
	if n <= 0 || bin < 0 || bin >= n {
		return 0
	}
	if bin > (n-1)/2 {
		bin -= n
	}
	return float64(bin) * sampleRate / float64(n)
}

func grow(s []complex128, n int) []complex128 {
	if cap(s) < n {
		return make([]complex128, n)
	}
	return s[:n]
}

func growFloat(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}
