// SPDX-License-Identifier: MIT
package stream

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	applog "sdrpipe/internal/log"
	"sdrpipe/internal/queue"
	"sdrpipe/internal/radio"
)

// Signal is the process-wide shutdown flag as seen by a loop.
type Signal interface {
	Requested() bool
}

// Reporter receives periodic and final throughput reports. Implementations
// must not block; they run on the acquisition goroutine.
type Reporter interface {
	ReportThroughput(t Throughput)
}

// Loop moves samples from one session into one queue.
type Loop struct {
	id       string
	session  *Session
	queue    *queue.RawQueue
	shutdown Signal
	reporter Reporter

	stop atomic.Bool
	now  func() time.Time
}

// NewLoop binds a session to a queue. shutdown and reporter may be nil.
func NewLoop(id string, s *Session, q *queue.RawQueue, shutdown Signal, reporter Reporter) *Loop {
	return &Loop{
		id:       id,
		session:  s,
		queue:    q,
		shutdown: shutdown,
		reporter: reporter,
		now:      time.Now,
	}
}

// Stop asks this loop alone to exit at its next iteration.
func (l *Loop) Stop() { l.stop.Store(true) }

func (l *Loop) stopRequested() bool {
	return l.stop.Load() || (l.shutdown != nil && l.shutdown.Requested())
}

// Run executes the loop until shutdown is requested or the stream fails. It
// always tears the session down and returns a final report; the error is
// non-nil only for a fatal stream error.
func (l *Loop) Run() (final Throughput, err error) {
	defer func() {
		if cerr := l.session.Close(); cerr != nil {
			applog.Warnf("Stream %s: teardown: %v", l.id, cerr)
		}
	}()

	cfg := l.session.cfg
	numChans, elemSize, mtu := l.session.NumChannels(), l.session.ElemSize(), l.session.MTU()
	buffs := make([][]byte, numChans)
	for i := range buffs {
		buffs[i] = make([]byte, elemSize*mtu)
	}

	var stats Stats
	start := l.now()
	lastStatus, lastReport := start, start

	applog.Infof("Stream %s: starting stream loop", l.id)
	for !l.stopRequested() {
		n, rerr := l.transfer(buffs, cfg.ReadTimeout)
		if rerr != nil {
			if countTransient(rerr, &stats) {
				continue
			}
			err = fmt.Errorf("stream %s: unexpected stream error: %w", l.id, rerr)
			applog.Errorf("%v", err)
			break
		}
		stats.TotalSamples += uint64(n)

		now := l.now()
		if now.Sub(lastStatus) >= cfg.StatusInterval {
			lastStatus = now
			l.drainStatus(&stats)
		}
		if now.Sub(lastReport) >= cfg.ReportInterval {
			lastReport = now
			t := measure(stats, now.Sub(start), numChans, elemSize)
			l.report(&t)
		}

		// Empty reads still hand over one block per channel.
		for _, b := range buffs {
			l.queue.Push(toBlock(b[:n*elemSize]))
		}
	}

	final = measure(stats, l.now().Sub(start), numChans, elemSize)
	final.Final = true
	l.report(&final)
	return final, err
}

// countTransient records a recoverable outcome and reports whether err was
// one. Timeouts are recoverable but not counted.
func countTransient(err error, stats *Stats) bool {
	switch {
	case errors.Is(err, radio.ErrTimeout):
	case errors.Is(err, radio.ErrOverflow):
		stats.Overflows++
	case errors.Is(err, radio.ErrUnderflow):
		stats.Underflows++
	default:
		return false
	}
	return true
}

func (l *Loop) transfer(buffs [][]byte, timeout time.Duration) (int, error) {
	if l.session.Direction() == radio.TX {
		return l.session.stream.Write(buffs, timeout)
	}
	return l.session.stream.Read(buffs, timeout)
}

// maxStatusEvents bounds one status drain so a driver that never runs out
// of events cannot stall the loop.
const maxStatusEvents = 1024

// drainStatus consumes every pending stream event without waiting.
func (l *Loop) drainStatus(stats *Stats) {
	for range maxStatusEvents {
		err := l.session.stream.Status(0)
		switch {
		case errors.Is(err, radio.ErrOverflow):
			stats.Overflows++
		case errors.Is(err, radio.ErrUnderflow):
			stats.Underflows++
		case errors.Is(err, radio.ErrTimeError):
		default:
			return
		}
	}
}

func (l *Loop) report(t *Throughput) {
	t.Device = l.id
	t.Dropped = l.queue.Dropped()
	if t.Final {
		applog.Infof("Stream %s: final %s", l.id, t)
	} else {
		applog.Infof("Stream %s: %s", l.id, t)
	}
	if l.reporter != nil {
		l.reporter.ReportThroughput(*t)
	}
}

// toBlock copies b into a freshly allocated block so the read buffer can be
// reused while the block travels through the queue.
func toBlock(b []byte) queue.Block {
	block := make(queue.Block, len(b))
	for i, v := range b {
		block[i] = int8(v)
	}
	return block
}

// Task is an owned handle on a running loop.
type Task struct {
	loop *Loop
	done chan struct{}

	final Throughput
	err   error
}

// Start runs loop on its own goroutine. A panic inside the loop is recovered
// and surfaces as the task's error.
func Start(loop *Loop) *Task {
	t := &Task{loop: loop, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("stream %s: panic in stream loop: %v", loop.id, r)
				applog.Errorf("%v", t.err)
			}
		}()
		t.final, t.err = loop.Run()
	}()
	return t
}

// Stop asks the loop to exit. It does not wait.
func (t *Task) Stop() { t.loop.Stop() }

// Done is closed when the loop has exited and torn down its session.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the loop exits and returns its final report and fatal
// error, if any.
func (t *Task) Wait() (Throughput, error) {
	<-t.done
	return t.final, t.err
}
