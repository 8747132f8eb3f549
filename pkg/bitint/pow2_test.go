package bitint

import "testing"

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 1},
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{1000, 1024},
		{1024, 1024},
		{16385, 32768},
		{1 << 40, 1 << 40},
	}
	for _, tt := range tests {
		if got := NextPowerOfTwo(tt.in); got != tt.want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 64, 16384, 1 << 40} {
		if !IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = false", n)
		}
	}
	for _, n := range []int{-8, 0, 3, 1000, 16383} {
		if IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = true", n)
		}
	}
}

func TestNextIsPower(t *testing.T) {
	for n := range 5000 {
		p := NextPowerOfTwo(n)
		if !IsPowerOfTwo(p) || p < n || (p > 1 && p/2 >= n) {
			t.Fatalf("NextPowerOfTwo(%d) = %d", n, p)
		}
	}
}

func BenchmarkNextPowerOfTwo(b *testing.B) {
	for b.Loop() {
		NextPowerOfTwo(16383)
	}
}
