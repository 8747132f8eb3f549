// SPDX-License-Identifier: MIT
package analysis

import (
	"math"
	"testing"

	"sdrpipe/pkg/utils"
)

const tolerance = 0.1

func TestAnalyzeTone(t *testing.T) {
	const n, bin, amplitude = 256, 32, 100.0
	block := utils.GenerateIQTone(n, float64(bin)/n, amplitude)

	s := NewSpectrum(NoWindow, 0)
	r, ok := s.Analyze(block)
	if !ok {
		t.Fatal("Analyze() ok = false")
	}
	if r.Bins != n {
		t.Errorf("Bins = %d, want %d", r.Bins, n)
	}
	if r.PeakBin != bin {
		t.Errorf("PeakBin = %d, want %d", r.PeakBin, bin)
	}
	if want := 20 * math.Log10(amplitude); math.Abs(r.MaxDB-want) > tolerance {
		t.Errorf("MaxDB = %.3f, want %.3f", r.MaxDB, want)
	}
	if r.MinDB > r.MeanDB || r.MeanDB > r.MaxDB {
		t.Errorf("want MinDB <= MeanDB <= MaxDB, got %s", r)
	}
	if len(s.Decibels()) != n {
		t.Errorf("len(Decibels()) = %d, want %d", len(s.Decibels()), n)
	}
	if got := utils.FindPeakBin(s.Decibels(), 0, n-1); got != bin {
		t.Errorf("FindPeakBin(Decibels()) = %d, want %d", got, bin)
	}
}

func TestAnalyzeNegativeFrequency(t *testing.T) {
	const n = 64
	block := utils.GenerateIQTone(n, -0.125, 100)

	r, ok := NewSpectrum(NoWindow, 0).Analyze(block)
	if !ok {
		t.Fatal("Analyze() ok = false")
	}
	if r.PeakBin != 56 {
		t.Errorf("PeakBin = %d, want 56", r.PeakBin)
	}
	if got := BinFrequency(r.PeakBin, n, 1e6); got != -125e3 {
		t.Errorf("BinFrequency() = %g, want -125000", got)
	}
}

func TestAnalyzeZeroBlock(t *testing.T) {
	r, ok := NewSpectrum(NoWindow, 0).Analyze(make([]int8, 32))
	if !ok {
		t.Fatal("Analyze() ok = false")
	}
	want := Result{MaxDB: DecibelFloor, MinDB: DecibelFloor, MeanDB: DecibelFloor, RMSDB: -DecibelFloor, Bins: 16}
	if r != want {
		t.Errorf("Analyze(zeros) = %+v, want %+v", r, want)
	}
}

func TestAnalyzeShortBlocks(t *testing.T) {
	s := NewSpectrum(NoWindow, 0)
	for _, size := range []int{0, 1} {
		if _, ok := s.Analyze(make([]int8, size)); ok {
			t.Errorf("Analyze(%d bytes) ok = true, want false", size)
		}
	}

	// A trailing unpaired byte is ignored.
	r, ok := s.Analyze([]int8{1, 0, 1, 0, 1, 0, 99})
	if !ok || r.Bins != 3 {
		t.Fatalf("Analyze(7 bytes) = %+v, %v; want 3 bins", r, ok)
	}
	if r.PeakBin != 0 || math.Abs(r.MaxDB) > tolerance {
		t.Errorf("DC block peak = bin %d at %.3f dB, want bin 0 at 0 dB", r.PeakBin, r.MaxDB)
	}
}

func TestWindowKeepsPeak(t *testing.T) {
	const n, bin = 512, 40
	block := utils.GenerateIQTone(n, float64(bin)/n, 100)

	plain, _ := NewSpectrum(NoWindow, 0).Analyze(block)
	for _, w := range []WindowFunc{Hann, Hamming, Blackman, BlackmanNuttall, BartlettHann, Nuttall, Lanczos} {
		t.Run(w.String(), func(t *testing.T) {
			r, ok := NewSpectrum(w, 0).Analyze(block)
			if !ok {
				t.Fatal("Analyze() ok = false")
			}
			if r.PeakBin != bin {
				t.Errorf("PeakBin = %d, want %d", r.PeakBin, bin)
			}
			if r.MaxDB >= plain.MaxDB {
				t.Errorf("windowed MaxDB %.2f not below unwindowed %.2f", r.MaxDB, plain.MaxDB)
			}
		})
	}
}

func TestPlanCacheIsBounded(t *testing.T) {
	s := NewSpectrum(NoWindow, 2)
	for _, pairs := range []int{4, 8, 16, 8} {
		if _, ok := s.Analyze(make([]int8, 2*pairs)); !ok {
			t.Fatalf("Analyze(%d pairs) ok = false", pairs)
		}
	}
	if len(s.plans) != 2 {
		t.Fatalf("cached plans = %d, want 2", len(s.plans))
	}
	if _, ok := s.plans[4]; ok {
		t.Error("oldest plan was not evicted")
	}
	for _, n := range []int{8, 16} {
		if p, ok := s.plans[n]; !ok || p.Len() != n {
			t.Errorf("plan %d missing", n)
		}
	}
}

func TestAmplitudeToDB(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1, 0},
		{10, 20},
		{0.1, -20},
		{0, DecibelFloor},
		{-1, DecibelFloor},
		{1e-20, DecibelFloor},
	}
	for _, tt := range tests {
		if got := AmplitudeToDB(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("AmplitudeToDB(%g) = %g, want %g", tt.in, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	r := Summarize([]float64{-10, 0, -20, -30})
	if r.MaxDB != 0 || r.PeakBin != 1 || r.MinDB != -30 || r.MeanDB != -15 || r.Bins != 4 {
		t.Errorf("Summarize() = %+v", r)
	}
	if want := math.Sqrt(350); math.Abs(r.RMSDB-want) > 1e-9 {
		t.Errorf("RMSDB = %g, want %g", r.RMSDB, want)
	}
	if (Summarize(nil) != Result{}) {
		t.Error("Summarize(nil) not zero")
	}
}

func TestBinFrequency(t *testing.T) {
	tests := []struct {
		bin, n int
		want   float64
	}{
		{0, 8, 0},
		{1, 8, 1000},
		{3, 8, 3000},
		{4, 8, -4000},
		{7, 8, -1000},
		{8, 8, 0},
		{-1, 8, 0},
	}
	for _, tt := range tests {
		if got := BinFrequency(tt.bin, tt.n, 8000); got != tt.want {
			t.Errorf("BinFrequency(%d, %d) = %g, want %g", tt.bin, tt.n, got, tt.want)
		}
	}
}

func TestParseWindowFunc(t *testing.T) {
	tests := []struct {
		name    string
		want    WindowFunc
		wantErr bool
	}{
		{"", NoWindow, false},
		{"none", NoWindow, false},
		{"Hann", Hann, false},
		{"hanning", Hann, false},
		{"BLACKMANNUTTALL", BlackmanNuttall, false},
		{" nuttall ", Nuttall, false},
		{"kaiser", NoWindow, true},
	}
	for _, tt := range tests {
		got, err := ParseWindowFunc(tt.name)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseWindowFunc(%q) = %v, %v; want %v, err %v", tt.name, got, err, tt.want, tt.wantErr)
		}
	}
	if WindowFunc(42).String() != "WindowFunc(42)" {
		t.Errorf("unknown WindowFunc String() = %q", WindowFunc(42).String())
	}
}

func BenchmarkAnalyze(b *testing.B) {
	for _, pairs := range []int{1024, 16384} {
		block := utils.GenerateIQNoise(pairs, 20, 1)
		s := NewSpectrum(Hann, 0)
		b.Run("", func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				s.Analyze(block)
			}
		})
	}
}
