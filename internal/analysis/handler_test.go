// SPDX-License-Identifier: MIT
package analysis

import (
	"sync"
	"testing"
	"time"

	"sdrpipe/internal/queue"
	"sdrpipe/pkg/utils"
)

type recordingSink struct {
	mu      sync.Mutex
	devices []string
	results []Result
}

func (s *recordingSink) ReportSpectrum(device string, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, device)
	s.results = append(s.results, r)
}

func (s *recordingSink) snapshot() ([]string, []Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.devices...), append([]Result(nil), s.results...)
}

func waitHandler(t *testing.T, h *Handler) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit")
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

// Blocks queued before stop are still analyzed, in order.
func TestHandlerDrainsAfterStop(t *testing.T) {
	q := queue.New[queue.Block]()
	sink := &recordingSink{}
	h := NewHandler("1", q, NewSpectrum(NoWindow, 0), sink)

	bins := []int{3, 9, 12}
	for _, bin := range bins {
		q.Push(utils.GenerateIQTone(64, float64(bin)/64, 100))
	}
	q.StopQueue()

	h.Start()
	h.Start()
	waitHandler(t, h)

	devices, results := sink.snapshot()
	if len(results) != len(bins) {
		t.Fatalf("sink got %d results, want %d", len(results), len(bins))
	}
	for i, r := range results {
		if r.PeakBin != bins[i] || devices[i] != "1" {
			t.Errorf("result %d = %s on %q, want peak %d on \"1\"", i, r, devices[i], bins[i])
		}
	}
	if h.Processed() != uint64(len(bins)) {
		t.Errorf("Processed() = %d, want %d", h.Processed(), len(bins))
	}
}

func TestHandlerConsumesWhileRunning(t *testing.T) {
	q := queue.New[queue.Block](queue.WithMaxDepth(0, queue.Unbounded))
	sink := &recordingSink{}
	h := NewHandler("rx", q, nil, sink)
	h.Start()

	for range 50 {
		q.Push(utils.GenerateIQNoise(128, 10, 3))
		q.Push(queue.Block{7})
	}
	q.WaitQueueProcessed()
	q.StopQueue()
	waitHandler(t, h)

	if h.Processed() != 50 || h.Skipped() != 50 {
		t.Errorf("Processed() = %d, Skipped() = %d; want 50, 50", h.Processed(), h.Skipped())
	}
	if !q.Empty() {
		t.Errorf("queue has %d blocks after handler exit", q.Size())
	}
}

func TestHandlerExitsOnStopWhileIdle(t *testing.T) {
	q := queue.New[queue.Block]()
	h := NewHandler("idle", q, nil, nil)
	h.Start()

	time.Sleep(5 * time.Millisecond)
	q.StopQueue()
	waitHandler(t, h)

	if _, ok := h.Latest(); ok {
		t.Error("Latest() ok = true with nothing analyzed")
	}
	if h.Bins() != 0 {
		t.Errorf("Bins() = %d, want 0", h.Bins())
	}
}

func TestHandlerLatestSpectrum(t *testing.T) {
	q := queue.New[queue.Block]()
	h := NewHandler("2", q, nil, SinkFunc(func(string, Result) {}))

	q.Push(utils.GenerateIQTone(32, 0, 100))
	q.Push(utils.GenerateIQTone(16, 0.25, 100))
	q.StopQueue()
	h.Start()
	waitHandler(t, h)

	r, ok := h.Latest()
	if !ok || r.Bins != 16 || r.PeakBin != 4 {
		t.Fatalf("Latest() = %s, %v; want 16 bins peaking at 4", r, ok)
	}
	if h.Bins() != 16 {
		t.Fatalf("Bins() = %d, want 16", h.Bins())
	}

	if _, err := h.DecibelsInto(make([]float64, 8)); err == nil {
		t.Error("DecibelsInto(short) error = nil")
	}
	dst := make([]float64, 20)
	n, err := h.DecibelsInto(dst)
	if err != nil || n != 16 {
		t.Fatalf("DecibelsInto() = %d, %v", n, err)
	}
	if utils.FindPeakBin(dst[:n], 0, n-1) != 4 || dst[4] != r.MaxDB {
		t.Errorf("copied bins do not match latest result %s", r)
	}
}

type panicSink struct{}

func (panicSink) ReportSpectrum(string, Result) { panic("sink exploded") }

func TestHandlerRecoversPanic(t *testing.T) {
	q := queue.New[queue.Block]()
	h := NewHandler("3", q, nil, panicSink{})
	q.Push(utils.GenerateIQTone(8, 0, 10))
	h.Start()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after panic")
	}
	if err := h.Wait(); err == nil {
		t.Error("Wait() error = nil after panic")
	}
	if !q.IsStopped() {
		t.Error("queue still running after the handler died")
	}
}

// A producer blocked on a full queue is released when the handler dies.
func TestHandlerPanicReleasesBlockedProducer(t *testing.T) {
	q := queue.New[queue.Block](queue.WithMaxDepth(1, queue.BlockProducer))
	h := NewHandler("4", q, nil, panicSink{})
	q.Push(utils.GenerateIQTone(8, 0, 10))

	pushed := make(chan struct{})
	go func() {
		q.Push(utils.GenerateIQTone(8, 0, 10))
		close(pushed)
	}()
	h.Start()

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still parked after the handler panicked")
	}
	<-h.Done()
}
