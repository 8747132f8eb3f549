// Package shutdown provides the process-wide cooperative stop flag.
//
// Requesting shutdown sets the flag, closes Done and runs the registered
// hooks once. Loops poll Requested at their iteration boundary, so a loop
// blocked inside a device read finishes that read first; blocked queue
// consumers are released by the hooks, which stop their queues.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	applog "sdrpipe/internal/log"
)

// Coordinator is a one-shot shutdown latch.
type Coordinator struct {
	requested atomic.Bool
	done      chan struct{}
	once      sync.Once

	mu    sync.Mutex
	hooks []func()
}

// Default is the process-wide coordinator wired to OS signals by main.
var Default = New()

func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Request initiates shutdown. Only the first call has an effect.
func (c *Coordinator) Request() {
	c.once.Do(func() {
		c.requested.Store(true)
		close(c.done)

		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()

		for _, fn := range hooks {
			fn()
		}
	})
}

// Requested reports whether shutdown has been requested. Safe to call from
// any goroutine.
func (c *Coordinator) Requested() bool {
	return c.requested.Load()
}

// Done is closed once shutdown is requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until shutdown is requested.
func (c *Coordinator) Wait() {
	<-c.done
}

// OnShutdown registers fn to run when shutdown is requested. If shutdown has
// already happened fn runs immediately on the caller's goroutine.
func (c *Coordinator) OnShutdown(fn func()) {
	c.mu.Lock()
	if !c.requested.Load() {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// NotifySignals requests shutdown when any of sigs arrives. The returned
// func stops delivery; call it during teardown.
func (c *Coordinator) NotifySignals(sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			applog.Infof("Shutdown: received %v", sig)
			c.Request()
		case <-quit:
		case <-c.done:
		}
	}()
	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}
