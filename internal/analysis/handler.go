// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"sync"
	"sync/atomic"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/queue"
)

// Handler is the consumer side of one device queue. It analyzes every block
// it takes and keeps the latest spectrum for readers.
type Handler struct {
	id       string
	queue    *queue.RawQueue
	spectrum *Spectrum
	sink     Sink

	startOnce sync.Once
	done      chan struct{}
	err       error

	mu       sync.RWMutex // guards latest, has, latestDB
	latest   Result
	has      bool
	latestDB []float64

	processed atomic.Uint64
	skipped   atomic.Uint64
}

var _ SpectrumProvider = (*Handler)(nil)

// NewHandler creates a consumer for q. sink may be nil.
func NewHandler(id string, q *queue.RawQueue, s *Spectrum, sink Sink) *Handler {
	if s == nil {
		s = NewSpectrum(NoWindow, 0)
	}
	return &Handler{
		id:       id,
		queue:    q,
		spectrum: s,
		sink:     sink,
		done:     make(chan struct{}),
	}
}

func (h *Handler) ID() string { return h.id }

// Start launches the consumer goroutine. Later calls do nothing.
func (h *Handler) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Done is closed once the consumer has exited.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Wait blocks until the consumer exits: after its queue is stopped and every
// pending block has been analyzed. The error is non-nil if analysis panicked.
func (h *Handler) Wait() error {
	<-h.done
	return h.err
}

func (h *Handler) run() {
	defer applog.Trace("analysis handler " + h.id)()
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("analysis %s: panic in handler: %v", h.id, r)
			applog.Errorf("%v", h.err)
			// Nobody consumes any more; release a producer parked on a full queue.
			h.queue.StopQueue()
		}
	}()

	for {
		h.queue.WaitDataReady()
		for {
			block, ok := h.queue.Pop()
			if !ok {
				break
			}
			h.process(block)
		}
		if h.queue.IsStopped() && h.queue.Empty() {
			applog.Infof("Analysis %s: queue stopped, %d blocks analyzed", h.id, h.processed.Load())
			return
		}
	}
}

func (h *Handler) process(block queue.Block) {
	applog.Debugf("Analysis %s: received block size %d", h.id, len(block))
	r, ok := h.spectrum.Analyze(block)
	if !ok {
		h.skipped.Add(1)
		return
	}
	h.processed.Add(1)

	h.mu.Lock()
	h.latest, h.has = r, true
	h.latestDB = append(h.latestDB[:0], h.spectrum.Decibels()...)
	h.mu.Unlock()

	if applog.Enabled(applog.LevelDebug) {
		applog.Debugf("Analysis %s: %s", h.id, r)
	}
	if h.sink != nil {
		h.sink.ReportSpectrum(h.id, r)
	}
}

// Latest returns the result of the most recent block, if any.
func (h *Handler) Latest() (Result, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.has
}

func (h *Handler) Bins() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.latestDB)
}

func (h *Handler) DecibelsInto(dst []float64) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(dst) < len(h.latestDB) {
		return 0, fmt.Errorf("destination slice length %d is shorter than %d bins", len(dst), len(h.latestDB))
	}
	return copy(dst, h.latestDB), nil
}

// Processed is the number of blocks analyzed so far.
func (h *Handler) Processed() uint64 { return h.processed.Load() }

// Skipped counts blocks too short to hold one sample.
func (h *Handler) Skipped() uint64 { return h.skipped.Load() }
