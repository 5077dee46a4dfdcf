package tracer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sys/unix"

	"github.com/mrzor/iotrace/internal/syscalls"
	"github.com/mrzor/iotrace/internal/timesync"
)

// Phase tells whether an event is the entry or the exit of a syscall.
type Phase uint8

const (
	PhaseCall Phase = iota
	PhaseReturn
)

func (p Phase) String() string {
	if p == PhaseReturn {
		return "return"
	}
	return "call"
}

// Event is one syscall stop of one traced thread.
type Event struct {
	Tid   int
	Phase Phase
	Regs  syscalls.Regs
}

// Handler consumes syscall stops. A returned error stops tracing.
type Handler interface {
	HandleCall(ev Event) error
	HandleReturn(ev Event) error
}

// Finisher is implemented by handlers that need to know when tracing ended.
type Finisher interface {
	Finish()
}

// Result describes a finished (or aborted) trace.
type Result struct {
	Pid      int
	ExitCode int
	// Signal is set when the tracee was terminated by a signal.
	Signal string
	// StartMono and EndMono are monotonic timestamps bracketing the trace.
	StartMono uint64
	EndMono   uint64
	Started   time.Time
	Finished  time.Time
	// Syscalls counts the call stops seen.
	Syscalls uint64
}

// Duration returns the traced wall duration.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Tracer drives one traced command.
type Tracer struct {
	cmd       *exec.Cmd
	handler   Handler
	clock     timesync.Clock
	killGrace time.Duration
	inSyscall map[int]bool

	// reapMu orders signals sent on cancellation against the tracee being
	// reaped. Once reaped is set the pid may belong to another process.
	reapMu sync.Mutex
	reaped bool
	done   chan struct{}
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithClock overrides the clock used for the trace start and end timestamps.
func WithClock(c timesync.Clock) Option {
	return func(t *Tracer) { t.clock = c }
}

// WithKillGrace sets how long a cancelled tracee gets between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(t *Tracer) { t.killGrace = d }
}

// New creates a tracer for cmd. The command must not have been started.
func New(cmd *exec.Cmd, h Handler, opts ...Option) *Tracer {
	t := &Tracer{
		cmd:       cmd,
		handler:   h,
		clock:     timesync.MonotonicClock{},
		killGrace: 100 * time.Millisecond,
		inSyscall: make(map[int]bool),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run starts the command and traces it until it exits, the handler fails or
// ctx is cancelled. The Result is filled in as far as tracing got, so callers
// can still report partial statistics when an error is returned.
func (t *Tracer) Run(ctx context.Context) (Result, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var res Result

	if t.cmd.SysProcAttr == nil {
		t.cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	t.cmd.SysProcAttr.Ptrace = true

	if err := t.cmd.Start(); err != nil {
		return res, fmt.Errorf("starting command: %w", err)
	}
	pid := t.cmd.Process.Pid
	res.Pid = pid

	// The child stops with SIGTRAP right after exec.
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return res, &Error{Op: "initial wait4", Pid: pid, Err: err}
	}
	if !status.Stopped() {
		return res, &Error{Op: "initial stop", Pid: pid, Err: fmt.Errorf("unexpected wait status %#x", uint32(status))}
	}

	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_EXITKILL); err != nil {
		t.kill(pid)
		return res, &Error{Op: "ptrace set options", Pid: pid, Err: err}
	}

	start, err := t.clock.Now()
	if err != nil {
		t.kill(pid)
		return res, err
	}
	res.StartMono = start
	res.Started = time.Now()

	log.Debug().Int("pid", pid).Str("command", t.cmd.Path).Msg("tracing started")

	stop := context.AfterFunc(ctx, func() { t.terminate(pid) })
	defer stop()

	loopErr := t.loop(pid, &res)
	if loopErr != nil {
		t.kill(pid)
	}
	t.markReaped()

	if f, ok := t.handler.(Finisher); ok {
		f.Finish()
	}

	res.Finished = time.Now()
	if end, err := t.clock.Now(); err == nil {
		res.EndMono = end
	} else if loopErr == nil {
		loopErr = err
	}

	return res, loopErr
}

// loop resumes the tracee and dispatches stops until the main process exits.
func (t *Tracer) loop(pid int, res *Result) error {
	if err := unix.PtraceSyscall(pid, 0); err != nil {
		return &Error{Op: "ptrace syscall", Pid: pid, Err: err}
	}

	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(-1, &status, unix.WALL, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return &Error{Op: "wait4 in loop", Pid: pid, Err: err}
		}

		switch {
		case status.Exited():
			delete(t.inSyscall, wpid)
			log.Debug().Int("pid", wpid).Int("exit_code", status.ExitStatus()).Msg("tracee exited")
			if wpid == pid {
				res.ExitCode = status.ExitStatus()
				return nil
			}
			continue
		case status.Signaled():
			delete(t.inSyscall, wpid)
			log.Debug().Int("pid", wpid).Str("signal", status.Signal().String()).Msg("tracee killed")
			if wpid == pid {
				res.Signal = status.Signal().String()
				res.ExitCode = 128 + int(status.Signal())
				return nil
			}
			continue
		case !status.Stopped():
			continue
		}

		inject := 0
		switch sig := status.StopSignal(); sig {
		case unix.SIGTRAP | 0x80:
			if err := t.handleSyscallStop(wpid, res); err != nil {
				return err
			}
		case unix.SIGTRAP:
			// exec notification without PTRACE_O_TRACEEXEC
		default:
			inject = int(sig)
		}

		if err := unix.PtraceSyscall(wpid, inject); err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			return &Error{Op: "ptrace syscall", Pid: wpid, Err: err}
		}
	}
}

func (t *Tracer) handleSyscallStop(tid int, res *Result) error {
	regs, err := syscalls.ReadRegs(tid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			// Killed while stopped; the exit status follows.
			return nil
		}
		return &Error{Op: "get regs", Pid: tid, Err: err}
	}

	ev := Event{Tid: tid, Regs: regs}
	if t.inSyscall[tid] {
		t.inSyscall[tid] = false
		ev.Phase = PhaseReturn
		return t.handler.HandleReturn(ev)
	}

	t.inSyscall[tid] = true
	ev.Phase = PhaseCall
	res.Syscalls++
	return t.handler.HandleCall(ev)
}

// terminate asks the tracee to stop, then kills it after the grace period.
// Nothing is sent once the tracee has been reaped.
func (t *Tracer) terminate(pid int) {
	log.Info().Int("pid", pid).Msg("cancelled, terminating tracee")
	if !t.signal(pid, unix.SIGTERM) {
		return
	}
	select {
	case <-t.done:
		return
	case <-time.After(t.killGrace):
	}
	t.signal(pid, unix.SIGKILL)
}

// signal sends sig to pid unless the tracee was already reaped. It reports
// whether the signal was sent.
func (t *Tracer) signal(pid int, sig unix.Signal) bool {
	t.reapMu.Lock()
	defer t.reapMu.Unlock()
	if t.reaped {
		return false
	}
	_ = unix.Kill(pid, sig) //nolint:errcheck // Best-effort shutdown
	return true
}

// markReaped records that the tracee's pid is no longer ours to signal.
func (t *Tracer) markReaped() {
	t.reapMu.Lock()
	defer t.reapMu.Unlock()
	if !t.reaped {
		t.reaped = true
		close(t.done)
	}
}

// kill terminates the tracee after an error and reaps it.
func (t *Tracer) kill(pid int) {
	_ = unix.Kill(pid, unix.SIGKILL) //nolint:errcheck // Best-effort cleanup in error path
	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(pid, &status, unix.WALL, nil)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return
		}
		if wpid == pid && (status.Exited() || status.Signaled()) {
			return
		}
	}
}
