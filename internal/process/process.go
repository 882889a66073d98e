package process

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps draining output pipes after the
// process itself has exited (grandchildren may still hold them open).
const waitDelay = 2 * time.Second

// Handle is the runtime state bound to one Spec while its process exists.
// All fields are guarded by mu; the done channel is closed exactly once by
// Release after the owner has finished bookkeeping for the exit.
type Handle struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	phase     Phase
	startedAt time.Time
	stoppedAt time.Time
	exitErr   *ExitError
	stopping  bool
	waited    bool
	closers   []io.Closer

	done     chan struct{}
	doneOnce sync.Once
}

// Spawn launches the process described by spec with the given environment
// and output writers. The returned handle is in PhaseStarting. Spawn errors
// wrap ErrSpawn.
func Spawn(spec Spec, env []string, stdout, stderr io.Writer) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Name, err)
	}
	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		phase:     PhaseStarting,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, w := range []io.Writer{stdout, stderr} {
		if c, ok := w.(io.Closer); ok {
			h.closers = append(h.closers, c)
		}
	}
	return h, nil
}

func (h *Handle) Name() string { return h.spec.Name }

func (h *Handle) Spec() Spec { return h.spec }

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// SetPhase moves the handle to next if the transition keeps phase order.
// It returns the previous phase and whether the transition happened.
func (h *Handle) SetPhase(next Phase) (Phase, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.phase
	if !prev.CanTransition(next) {
		return prev, false
	}
	h.phase = next
	if next.Terminal() {
		h.stoppedAt = time.Now()
	}
	return prev, true
}

// RequestStop records that the exit about to happen was asked for.
func (h *Handle) RequestStop() {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
}

func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// Wait blocks until the OS reports the process exit and reaps it. It must be
// called by exactly one goroutine per handle; later calls return the
// recorded result without waiting.
func (h *Handle) Wait() *ExitError {
	h.mu.Lock()
	if h.waited {
		ee := h.exitErr
		h.mu.Unlock()
		return ee
	}
	h.waited = true
	cmd := h.cmd
	h.mu.Unlock()

	ee := newExitError(h.spec.Name, cmd.Wait())

	h.mu.Lock()
	h.exitErr = ee
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	return ee
}

// ExitErr returns the recorded exit error, nil for a clean exit or while
// the process is still running.
func (h *Handle) ExitErr() *ExitError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Release closes the Done channel. Call it once the exit has been fully
// accounted for (phase recorded, registry updated).
func (h *Handle) Release() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Done is closed after the process has exited and its exit was accounted for.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Terminate asks the process group to exit ("ask nicely").
func (h *Handle) Terminate() error { return terminate(h.PID()) }

// Kill unconditionally kills the process group.
func (h *Handle) Kill() error { return kill(h.PID()) }

// Snapshot returns a copy of the current status.
func (h *Handle) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Name:      h.spec.Name,
		PID:       h.pid,
		Phase:     h.phase.String(),
		StartedAt: h.startedAt,
		StoppedAt: h.stoppedAt,
	}
	if h.exitErr != nil {
		st.ExitCode = h.exitErr.Code
		st.ExitErr = h.exitErr.Error()
	}
	return st
}
