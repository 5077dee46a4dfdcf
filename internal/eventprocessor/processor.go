package eventprocessor

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/phuslu/log"
	"golang.org/x/sys/unix"

	"github.com/mrzor/iotrace/internal/fdtable"
	"github.com/mrzor/iotrace/internal/remotemem"
	"github.com/mrzor/iotrace/internal/stats"
	"github.com/mrzor/iotrace/internal/syscalls"
	"github.com/mrzor/iotrace/internal/timesync"
	"github.com/mrzor/iotrace/internal/tracer"
)

// ErrDesynchronized is wrapped by errors after which no statistic can be
// trusted: the call/return correlation with the tracee is lost.
var ErrDesynchronized = errors.New("trace desynchronized")

// Options tune how completed calls are attributed.
type Options struct {
	// KeepClosed keeps a descriptor's binding after a successful close.
	KeepClosed bool
	// MaxPathLen bounds path extraction, terminator included.
	MaxPathLen int
}

// pendingCall is the state captured at a call stop.
type pendingCall struct {
	syscall int
	kind    syscalls.Kind
	start   uint64
	fd      int
	path    string
	orphan  bool
}

// Processor is the call/return state machine.
type Processor struct {
	fds     *fdtable.Table
	stats   *stats.Store
	clock   timesync.Clock
	mem     remotemem.Peeker
	opts    Options
	pending map[int]*pendingCall // thread id -> in-flight call
}

// NewProcessor creates a processor writing into fds and store.
func NewProcessor(
	fds *fdtable.Table,
	store *stats.Store,
	clock timesync.Clock,
	mem remotemem.Peeker,
	opts Options,
) *Processor {
	if opts.MaxPathLen <= 0 {
		opts.MaxPathLen = remotemem.DefaultMaxLen
	}
	return &Processor{
		fds:     fds,
		stats:   store,
		clock:   clock,
		mem:     mem,
		opts:    opts,
		pending: make(map[int]*pendingCall),
	}
}

// HandleCall captures the arguments and start time of a syscall.
func (p *Processor) HandleCall(ev tracer.Event) error {
	nr := ev.Regs.Syscall
	call := &pendingCall{
		syscall: nr,
		kind:    syscalls.Classify(nr),
		fd:      -1,
	}

	switch call.kind {
	case syscalls.KindOpen:
		path, err := p.readPath(ev.Tid, ev.Regs.Args[0])
		if err != nil {
			return fmt.Errorf("%w: reading path of %s: %w", ErrDesynchronized, syscalls.Name(nr), err)
		}
		call.path = path
	case syscalls.KindOpenAt:
		path, err := p.readPath(ev.Tid, ev.Regs.Args[1])
		if err != nil {
			return fmt.Errorf("%w: reading path of %s: %w", ErrDesynchronized, syscalls.Name(nr), err)
		}
		call.path = p.resolveAt(descriptor(ev.Regs.Args[0]), path)
	case syscalls.KindClose, syscalls.KindRead, syscalls.KindWrite, syscalls.KindDup:
		call.fd = descriptor(ev.Regs.Args[0])
	}

	start, err := p.clock.Now()
	if err != nil {
		return fmt.Errorf("%w: start time of %s: %w", ErrDesynchronized, syscalls.Name(nr), err)
	}
	call.start = start

	if prev, ok := p.pending[ev.Tid]; ok {
		p.stats.AddOverwrittenCall()
		log.Debug().Int("tid", ev.Tid).Str("previous", syscalls.Name(prev.syscall)).
			Str("syscall", syscalls.Name(nr)).Msg("call replaced a pending call")
	}
	p.pending[ev.Tid] = call

	if log.DefaultLogger.Level <= log.TraceLevel {
		log.Trace().Int("tid", ev.Tid).Str("syscall", syscalls.Name(nr)).Int("fd", call.fd).
			Str("path", call.path).Msg("call")
	}
	return nil
}

// HandleReturn completes the pending call of the thread and records it.
func (p *Processor) HandleReturn(ev tracer.Event) error {
	end, err := p.clock.Now()
	if err != nil {
		return fmt.Errorf("%w: end time of %s: %w", ErrDesynchronized, syscalls.Name(ev.Regs.Syscall), err)
	}

	call := p.takePending(ev, end)
	latency := timesync.Elapsed(call.start, end)
	ret := ev.Regs.Ret

	switch call.kind {
	case syscalls.KindOpen, syscalls.KindOpenAt:
		p.stats.RecordOpen(call.path, latency)
		if ret >= 0 && !call.orphan {
			p.fds.Insert(int(ret), call.path)
		}
	case syscalls.KindClose:
		p.stats.RecordClose(p.resolve(call.fd), latency)
		if ret == 0 && !p.opts.KeepClosed {
			p.fds.Remove(call.fd)
		}
	case syscalls.KindRead:
		p.stats.RecordRead(p.resolve(call.fd), latency, ret)
	case syscalls.KindWrite:
		p.stats.RecordWrite(p.resolve(call.fd), latency, ret)
	case syscalls.KindDup:
		if ret >= 0 && (call.fd < 0 || !p.fds.InsertAlias(call.fd, int(ret))) {
			// dup2 and dup3 close the target first, so a binding left on
			// it belongs to the old file.
			if !p.opts.KeepClosed {
				p.fds.Remove(int(ret))
			}
			log.Debug().Int("tid", ev.Tid).Int("fd", call.fd).Int64("new_fd", ret).
				Msg("duplicated descriptor has no known path")
		}
	default:
		p.stats.RecordOperation(call.syscall, latency)
	}

	if log.DefaultLogger.Level <= log.TraceLevel {
		log.Trace().Int("tid", ev.Tid).Str("syscall", syscalls.Name(call.syscall)).
			Int64("ret", ret).Uint64("latency_ns", latency).Msg("return")
	}
	return nil
}

// Finish drops calls that never returned (exit_group, a killed tracee).
func (p *Processor) Finish() {
	if n := len(p.pending); n > 0 {
		p.stats.AddUnfinishedCalls(n)
		log.Debug().Int("count", n).Msg("calls still pending at end of trace")
	}
	clear(p.pending)
}

// Pending returns the number of threads with a call in flight.
func (p *Processor) Pending() int {
	return len(p.pending)
}

// takePending removes and returns the pending call of ev.Tid. A missing or
// mismatched call is replaced by a zero-latency orphan.
func (p *Processor) takePending(ev tracer.Event, end uint64) *pendingCall {
	call, ok := p.pending[ev.Tid]
	delete(p.pending, ev.Tid)

	if ok && call.syscall == ev.Regs.Syscall {
		return call
	}

	if ok {
		// The dropped call will never see its own return.
		p.stats.AddOverwrittenCall()
	}
	p.stats.AddOrphanReturn()
	log.Debug().Int("tid", ev.Tid).Str("syscall", syscalls.Name(ev.Regs.Syscall)).
		Bool("had_pending", ok).Msg("return without matching call")

	return &pendingCall{
		syscall: ev.Regs.Syscall,
		kind:    syscalls.Classify(ev.Regs.Syscall),
		start:   end,
		fd:      -1,
		path:    stats.UnknownPath,
		orphan:  true,
	}
}

func (p *Processor) readPath(tid int, addr uint64) (string, error) {
	res, err := remotemem.ReadString(p.mem, tid, uintptr(addr), p.opts.MaxPathLen)
	if err != nil {
		return "", err
	}
	if res.Truncated {
		p.stats.AddTruncatedPath()
		log.Debug().Int("tid", tid).Str("prefix", res.Value).Msg("path truncated")
	}
	return res.Value, nil
}

// resolveAt joins a relative openat path onto the path of its directory
// descriptor when that descriptor is known.
func (p *Processor) resolveAt(dirfd int, path string) string {
	if dirfd == unix.AT_FDCWD || filepath.IsAbs(path) || path == "" {
		return path
	}
	if dir, ok := p.fds.Lookup(dirfd); ok {
		return filepath.Join(dir, path)
	}
	return path
}

func (p *Processor) resolve(fd int) string {
	if path, ok := p.fds.Lookup(fd); ok {
		return path
	}
	return stats.UnknownPath
}

// descriptor narrows a register to the C int the kernel reads from it.
func descriptor(reg uint64) int {
	//nolint:gosec // intentional truncation to a 32-bit descriptor
	return int(int32(reg))
}
