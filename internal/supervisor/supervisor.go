// Package supervisor starts the fleet in order, watches every process for
// exit and stops services with a grace-then-kill escalation.
//
// The registry (name -> handle, plus start sequence) is the only state shared
// between the per-process watchers and the shutdown path; it lives behind a
// single mutex. Each process has exactly one watcher goroutine blocked in
// Wait, and everything else learns about the exit through the handle's Done
// channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sama-wellness/orchestrator/internal/env"
	"github.com/sama-wellness/orchestrator/internal/history"
	"github.com/sama-wellness/orchestrator/internal/logger"
	"github.com/sama-wellness/orchestrator/internal/metrics"
	"github.com/sama-wellness/orchestrator/internal/process"
)

var (
	ErrDuplicate      = errors.New("service already registered")
	ErrNotFound       = errors.New("service not found")
	ErrUnexpectedExit = errors.New("service exited unexpectedly")
	ErrShuttingDown   = errors.New("supervisor is shutting down")
)

const (
	DefaultGrace       = time.Second
	DefaultStartDelay  = 500 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second

	// killWait bounds the wait for the watcher after an unconditional kill.
	killWait = 5 * time.Second

	historyQueue = 256
)

// Options configure a Supervisor. Zero values select the defaults.
type Options struct {
	Env         *env.Env
	Grace       time.Duration
	StartDelay  time.Duration
	StopTimeout time.Duration
	Console     *logger.Console
	Logger      *slog.Logger
	History     history.Sink
	// OnPanic receives panics recovered on supervisor goroutines. Nil
	// re-raises them.
	OnPanic func(v any)
}

type entry struct {
	h   *process.Handle
	seq uint64
}

// Supervisor owns the registry of running services.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	nextSeq uint64

	shuttingDown atomic.Bool
	failures     chan error
	watchers     sync.WaitGroup

	evMu     sync.Mutex
	evClosed bool
	events   chan history.Event
	drained  chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.StartDelay < 0 {
		opts.StartDelay = 0
	} else if opts.StartDelay == 0 {
		opts.StartDelay = DefaultStartDelay
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Console == nil {
		opts.Console = logger.NewConsole(os.Stdout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Supervisor{
		opts:     opts,
		log:      opts.Logger,
		entries:  map[string]*entry{},
		failures: make(chan error, 16),
	}
	if opts.History != nil {
		s.events = make(chan history.Event, historyQueue)
		s.drained = make(chan struct{})
		go s.drain()
	}
	return s
}

// Start spawns spec, registers it in PhaseStarting and waits out the grace
// window. An exit inside the window is returned as an error wrapping
// ErrUnexpectedExit and the *process.ExitError with the exit code.
func (s *Supervisor) Start(ctx context.Context, spec process.Spec) (*process.Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", process.ErrSpawn, err)
	}
	log := s.log.With("service", spec.Name)

	// The flag is checked under the registry lock so a concurrent shutdown
	// either sees this entry in its plan or makes us refuse.
	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := s.entries[spec.Name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, spec.Name)
	}
	stdout, stderr, err := s.outputs(spec)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: open log files: %w", spec.Name, err)
	}
	envList := s.opts.Env.Merge(append([]string{"FORCE_COLOR=1"}, spec.Env...))
	h, err := process.Spawn(spec, envList, stdout, stderr)
	if err != nil {
		s.mu.Unlock()
		_ = stdout.Close()
		_ = stderr.Close()
		log.Error("failed to start", "error", err)
		return nil, err
	}
	s.nextSeq++
	s.entries[spec.Name] = &entry{h: h, seq: s.nextSeq}
	s.watchers.Add(1)
	s.mu.Unlock()

	metrics.SetPhase(spec.Name, process.PhaseStarting.String())
	log.Info("starting", "pid", h.PID(), "command", spec.Command)
	go s.watch(h)

	t := time.NewTimer(s.opts.Grace)
	defer t.Stop()
	select {
	case <-h.Done():
		return nil, startupExit(h)
	case <-ctx.Done():
		_ = s.Stop(spec.Name, s.opts.StopTimeout)
		return nil, ctx.Err()
	case <-t.C:
	}

	if _, ok := h.SetPhase(process.PhaseRunning); !ok {
		// exited right at the end of the window
		<-h.Done()
		return nil, startupExit(h)
	}
	metrics.SetPhase(spec.Name, process.PhaseRunning.String())
	metrics.IncStart(spec.Name)
	log.Info("started successfully", "pid", h.PID())
	s.record(h, history.EventStart, nil)
	return h, nil
}

func startupExit(h *process.Handle) error {
	ee := h.ExitErr()
	if ee == nil {
		ee = &process.ExitError{Name: h.Name(), Code: 0}
	}
	return fmt.Errorf("%w: %w", ErrUnexpectedExit, ee)
}

// outputs builds the line-prefixing writers for a service, teeing into
// rotated files when the spec has a log configuration.
func (s *Supervisor) outputs(spec process.Spec) (io.WriteCloser, io.WriteCloser, error) {
	var outTee, errTee io.WriteCloser
	if spec.Log.Enabled() {
		var err error
		outTee, errTee, err = spec.Log.Writers(spec.Name)
		if err != nil {
			return nil, nil, err
		}
	}
	stdout := logger.NewLineWriter(s.opts.Console, spec.Name, spec.Color, "", outTee)
	stderr := logger.NewLineWriter(s.opts.Console, spec.Name, spec.Color, "ERROR: ", errTee)
	return stdout, stderr, nil
}

// watch is the single waiter of h. It records the terminal phase, removes
// the registry entry and only then releases h.Done.
func (s *Supervisor) watch(h *process.Handle) {
	defer s.recoverPanic()
	defer s.watchers.Done()
	defer h.Release()
	ee := h.Wait()
	name := h.Name()
	requested := h.StopRequested() || s.shuttingDown.Load()

	next := process.PhaseStopped
	if ee != nil && !requested {
		next = process.PhaseFailed
	}
	h.SetPhase(next)

	s.mu.Lock()
	if e, ok := s.entries[name]; ok && e.h == h {
		delete(s.entries, name)
	}
	s.mu.Unlock()

	metrics.SetPhase(name, next.String())
	log := s.log.With("service", name, "pid", h.PID())
	switch {
	case requested:
		metrics.IncStop(name, "requested")
		log.Info("stopped", "exit", exitText(ee))
		s.record(h, history.EventStop, ee)
	case ee != nil:
		metrics.IncStop(name, "unexpected")
		metrics.IncUnexpectedExit(name)
		log.Error("exited unexpectedly", "exit_code", ee.Code, "signal", ee.Signal)
		s.record(h, history.EventFail, ee)
		s.notifyFailure(fmt.Errorf("%w: %w", ErrUnexpectedExit, ee))
	default:
		metrics.IncStop(name, "unexpected")
		log.Warn("exited on its own", "exit_code", 0)
		s.record(h, history.EventStop, nil)
		s.notifyFailure(fmt.Errorf("%w: %s exited with code 0", ErrUnexpectedExit, name))
	}
}

func (s *Supervisor) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	if s.opts.OnPanic == nil {
		panic(r)
	}
	s.opts.OnPanic(r)
}

func exitText(ee *process.ExitError) string {
	if ee == nil {
		return "code 0"
	}
	return ee.Error()
}

func (s *Supervisor) notifyFailure(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

// Failures delivers unexpected exits. Deliveries are dropped while nobody
// drains the channel and its buffer is full.
func (s *Supervisor) Failures() <-chan error { return s.failures }

// record queues a lifecycle event for the history sinks. It never blocks:
// a full queue drops the event.
func (s *Supervisor) record(h *process.Handle, typ history.EventType, ee *process.ExitError) {
	if s.events == nil {
		return
	}
	st := h.Snapshot()
	ev := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Service:    st.Name,
		PID:        st.PID,
		Phase:      st.Phase,
	}
	if ee != nil {
		ev.ExitCode = ee.Code
		ev.Error = ee.Error()
	}
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("history queue full, dropping event", "service", ev.Service, "event", ev.Type)
	}
}

func (s *Supervisor) drain() {
	defer close(s.drained)
	for ev := range s.events {
		s.deliver(ev)
	}
}

func (s *Supervisor) deliver(ev history.Event) {
	defer s.recoverPanic()
	if err := s.opts.History.Send(context.Background(), ev); err != nil {
		s.log.Debug("history send failed", "service", ev.Service, "error", err)
	}
}

// CloseHistory stops queueing events and waits until the queued ones are
// delivered or ctx is done.
func (s *Supervisor) CloseHistory(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	s.evMu.Lock()
	if !s.evClosed {
		s.evClosed = true
		close(s.events)
	}
	s.evMu.Unlock()
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartAll starts specs one at a time in list order with a short pause
// between them. The first failure, or an unexpected exit of an already
// started service, aborts the sequence and stops everything started so far.
func (s *Supervisor) StartAll(ctx context.Context, specs []process.Spec) error {
	for {
		select {
		case <-s.failures:
			continue
		default:
		}
		break
	}
	for _, spec := range specs {
		if s.shuttingDown.Load() {
			return ErrShuttingDown
		}
		if _, err := s.Start(ctx, spec); err != nil {
			return s.rollback(fmt.Errorf("start %s: %w", spec.Name, err))
		}
		if err := s.pause(ctx); err != nil {
			return s.rollback(err)
		}
	}
	return nil
}

func (s *Supervisor) pause(ctx context.Context) error {
	t := time.NewTimer(s.opts.StartDelay)
	defer t.Stop()
	select {
	case err := <-s.failures:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// rollback stops what StartAll already started, unless a shutdown is in
// progress and owns the stopping.
func (s *Supervisor) rollback(cause error) error {
	s.log.Error("failed to start services", "error", cause)
	if s.shuttingDown.Load() {
		return cause
	}
	if err := s.StopAll(s.opts.StopTimeout); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Stop asks the named service to exit, waits up to timeout and then kills
// it. When Stop returns nil the handle is terminal and unregistered.
func (s *Supervisor) Stop(name string, timeout time.Duration) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if timeout <= 0 {
		timeout = s.opts.StopTimeout
	}
	h := e.h
	log := s.log.With("service", name, "pid", h.PID())

	h.RequestStop()
	if _, moved := h.SetPhase(process.PhaseStopping); moved {
		metrics.SetPhase(name, process.PhaseStopping.String())
	}
	log.Info("stopping")
	if err := h.Terminate(); err != nil {
		log.Debug("terminate failed", "error", err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.Done():
		return nil
	case <-t.C:
	}

	log.Warn("did not exit in time, force killing", "timeout", timeout)
	if err := h.Kill(); err != nil {
		log.Debug("kill failed", "error", err)
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s: still running %s after kill", name, killWait)
	}
}

// StopAll stops every registered service in reverse start order.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	var errs []error
	for _, name := range s.Plan() {
		if err := s.Stop(name, timeout); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Plan returns the registered names in reverse start order. The slice is a
// copy; later registry changes do not affect it.
func (s *Supervisor) Plan() []string {
	list := s.ordered()
	out := make([]string, len(list))
	for i, e := range list {
		out[len(list)-1-i] = e.h.Name()
	}
	return out
}

// BeginShutdown marks the fleet as shutting down: later exits are treated as
// requested and no new services may start.
func (s *Supervisor) BeginShutdown() {
	s.mu.Lock()
	s.shuttingDown.Store(true)
	s.mu.Unlock()
}

func (s *Supervisor) ShuttingDown() bool { return s.shuttingDown.Load() }

func (s *Supervisor) StopTimeout() time.Duration { return s.opts.StopTimeout }

// Statuses returns snapshots in start order.
func (s *Supervisor) Statuses() []process.Status {
	list := s.ordered()
	out := make([]process.Status, 0, len(list))
	for _, e := range list {
		out = append(out, e.h.Snapshot())
	}
	return out
}

// Get returns the snapshot of one service.
func (s *Supervisor) Get(name string) (process.Status, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return process.Status{}, false
	}
	return e.h.Snapshot(), true
}

// PIDs maps service names to their OS process ids.
func (s *Supervisor) PIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int32, len(s.entries))
	for name, e := range s.entries {
		out[name] = int32(e.h.PID())
	}
	return out
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Wait blocks until every watcher has finished.
func (s *Supervisor) Wait() { s.watchers.Wait() }

func (s *Supervisor) ordered() []*entry {
	s.mu.Lock()
	list := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}
