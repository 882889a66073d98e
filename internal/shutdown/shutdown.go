// Package shutdown turns termination signals and fatal errors into one
// orderly, time-bounded stop of the whole fleet.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Fleet is the part of the supervisor the coordinator drives.
type Fleet interface {
	BeginShutdown()
	Plan() []string
	Stop(name string, timeout time.Duration) error
}

// Exit codes used when the coordinator terminates the process.
const (
	ExitOK    = 0
	ExitFatal = 1
)

type Options struct {
	StopTimeout time.Duration
	Logger      *slog.Logger
	// Exit replaces os.Exit. Nil keeps the process alive after shutdown,
	// which is what tests and embedders want.
	Exit func(code int)
}

// Coordinator runs the shutdown sequence at most once per process.
type Coordinator struct {
	fleet   Fleet
	timeout time.Duration
	log     *slog.Logger
	exit    func(int)

	started atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	plan   []string
	reason string
	hooks  []func(context.Context)

	sigCh chan os.Signal
}

func New(fleet Fleet, opts Options) *Coordinator {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		fleet:   fleet,
		timeout: opts.StopTimeout,
		log:     opts.Logger,
		exit:    opts.Exit,
		done:    make(chan struct{}),
	}
}

// OnShutdown registers fn to run after every service has been stopped and
// before the process exits. Hooks run in registration order.
func (c *Coordinator) OnShutdown(fn func(context.Context)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Arm subscribes to SIGINT and SIGTERM. Every signal calls Trigger; only the
// first one has an effect. Arm returns immediately.
func (c *Coordinator) Arm() {
	c.mu.Lock()
	if c.sigCh != nil {
		c.mu.Unlock()
		return
	}
	c.sigCh = make(chan os.Signal, 2)
	ch := c.sigCh
	c.mu.Unlock()

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range ch {
			c.Trigger(sig.String(), ExitOK)
		}
	}()
	c.armPlatform()
}

// Disarm stops signal delivery.
func (c *Coordinator) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigCh != nil {
		signal.Stop(c.sigCh)
	}
}

// Trigger starts the shutdown sequence in the background. It reports false
// when a shutdown is already in progress; the request is then ignored.
func (c *Coordinator) Trigger(reason string, code int) bool {
	if !c.started.CompareAndSwap(false, true) {
		c.log.Warn("shutdown already in progress, ignoring", "reason", reason)
		return false
	}
	go c.run(reason, code)
	return true
}

// Shutdown runs the sequence synchronously, or waits for the one already in
// progress.
func (c *Coordinator) Shutdown(reason string, code int) {
	if c.started.CompareAndSwap(false, true) {
		c.run(reason, code)
		return
	}
	<-c.done
}

// Recover is deferred at the top of the command goroutine. A panic is
// logged and converted into a fatal shutdown that completes before Recover
// returns.
func (c *Coordinator) Recover() {
	if r := recover(); r != nil {
		c.logPanic(r)
		c.Shutdown("panic", ExitFatal)
	}
}

// HandlePanic is the hook for panics recovered on background goroutines.
// It starts the fatal shutdown without waiting for it, so the panicking
// goroutine can unwind even when a shutdown hook waits on it.
func (c *Coordinator) HandlePanic(v any) {
	c.logPanic(v)
	c.Trigger("panic", ExitFatal)
}

func (c *Coordinator) logPanic(v any) {
	c.log.Error("uncaught panic", "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
}

// Go runs fn in a goroutine whose panics go to HandlePanic.
func (c *Coordinator) Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.HandlePanic(r)
			}
		}()
		fn()
	}()
}

func (c *Coordinator) run(reason string, code int) {
	c.fleet.BeginShutdown()
	plan := c.fleet.Plan()

	c.mu.Lock()
	c.plan = append([]string(nil), plan...)
	c.reason = reason
	hooks := append([]func(context.Context){}, c.hooks...)
	c.mu.Unlock()

	c.log.Info("shutting down gracefully", "reason", reason, "services", len(plan))
	for _, name := range plan {
		if err := c.fleet.Stop(name, c.timeout); err != nil {
			c.log.Warn("stop failed", "service", name, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	for _, h := range hooks {
		h(ctx)
	}
	cancel()

	c.log.Info("all services stopped")
	close(c.done)
	if c.exit != nil {
		c.exit(code)
	}
}

// Done is closed once the sequence has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// InProgress reports whether a shutdown has been started.
func (c *Coordinator) InProgress() bool { return c.started.Load() }

// Plan returns the stop order captured when the shutdown began.
func (c *Coordinator) Plan() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.plan...)
}

// Reason returns what started the shutdown.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
