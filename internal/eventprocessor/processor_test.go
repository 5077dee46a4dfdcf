//go:build linux && amd64

package eventprocessor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mrzor/iotrace/internal/fdtable"
	"github.com/mrzor/iotrace/internal/stats"
	"github.com/mrzor/iotrace/internal/syscalls"
	"github.com/mrzor/iotrace/internal/tracer"
)

// stepClock returns queued timestamps in order.
type stepClock struct {
	ticks []uint64
	err   error
}

func (c *stepClock) Now() (uint64, error) {
	if c.err != nil {
		return 0, c.err
	}
	if len(c.ticks) == 0 {
		return 0, errors.New("clock exhausted")
	}
	t := c.ticks[0]
	c.ticks = c.ticks[1:]
	return t, nil
}

func (c *stepClock) at(ticks ...uint64) {
	c.ticks = append(c.ticks, ticks...)
}

// memory maps tracee addresses to NUL terminated strings.
type memory map[uintptr]string

func (m memory) PeekData(_ int, addr uintptr, out []byte) (int, error) {
	for base, s := range m {
		buf := append([]byte(s), 0)
		if addr >= base && addr < base+uintptr(len(buf)) {
			n := copy(out, buf[addr-base:])
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
			return len(out), nil
		}
	}
	return 0, unix.EFAULT
}

type fixture struct {
	proc  *Processor
	fds   *fdtable.Table
	store *stats.Store
	clock *stepClock
	mem   memory
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		fds:   fdtable.New(),
		store: stats.NewStore(),
		clock: &stepClock{},
		mem:   memory{},
	}
	f.proc = NewProcessor(f.fds, f.store, f.clock, f.mem, opts)
	return f
}

func call(tid, nr int, args ...uint64) tracer.Event {
	ev := tracer.Event{Tid: tid, Phase: tracer.PhaseCall, Regs: syscalls.Regs{Syscall: nr}}
	copy(ev.Regs.Args[:], args)
	return ev
}

func ret(tid, nr int, r int64) tracer.Event {
	return tracer.Event{Tid: tid, Phase: tracer.PhaseReturn, Regs: syscalls.Regs{Syscall: nr, Ret: r}}
}

// pair runs a call and its return taking latency nanoseconds.
func (f *fixture) pair(t *testing.T, tid int, latency uint64, r int64, nr int, args ...uint64) {
	t.Helper()
	f.clock.at(1_000, 1_000+latency)
	require.NoError(t, f.proc.HandleCall(call(tid, nr, args...)))
	require.NoError(t, f.proc.HandleReturn(ret(tid, nr, r)))
}

func TestProcessor_OpenReadDupClose(t *testing.T) {
	f := newFixture(Options{})
	f.mem[0x5000] = "/tmp/a"

	f.pair(t, 100, 1200, 5, unix.SYS_OPEN, 0x5000, 0, 0)
	path, ok := f.fds.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, "/tmp/a", path)

	f.pair(t, 100, 300, 100, unix.SYS_READ, 5, 0x9000, 4096)
	f.pair(t, 100, 10, 6, unix.SYS_DUP, 5)
	f.pair(t, 100, 50, 0, unix.SYS_CLOSE, 6)

	fs, ok := f.store.File("/tmp/a")
	require.True(t, ok)
	assert.Equal(t, stats.FileStats{
		OpenCount:      1,
		OpenLatencyNS:  1200,
		CloseCount:     1,
		CloseLatencyNS: 50,
		ReadCount:      1,
		ReadLatencyNS:  300,
		BytesRead:      100,
	}, fs)

	_, ok = f.fds.Lookup(6)
	assert.False(t, ok, "closed alias is unbound")
	path, _ = f.fds.Lookup(5)
	assert.Equal(t, "/tmp/a", path, "original descriptor survives closing its alias")

	_, ok = f.store.Syscall(unix.SYS_DUP)
	assert.False(t, ok, "dup is not a per-operation statistic")
	assert.Zero(t, f.proc.Pending())
}

func TestProcessor_UnmatchedSyscall(t *testing.T) {
	f := newFixture(Options{})

	f.pair(t, 7, 75, 0, 999)

	op, ok := f.store.Syscall(999)
	require.True(t, ok)
	assert.Equal(t, stats.SyscallStats{Count: 1, LatencyNS: 75}, op)
	assert.Empty(t, f.store.Snapshot().Files)
}

func TestProcessor_UnknownDescriptor(t *testing.T) {
	f := newFixture(Options{})

	f.pair(t, 7, 20, 8, unix.SYS_READ, 42, 0x9000, 8)
	f.pair(t, 7, 30, 4, unix.SYS_WRITE, 42, 0x9000, 4)

	fs, ok := f.store.File(stats.UnknownPath)
	require.True(t, ok)
	assert.Equal(t, uint64(1), fs.ReadCount)
	assert.Equal(t, uint64(8), fs.BytesRead)
	assert.Equal(t, uint64(1), fs.WriteCount)
	assert.Equal(t, uint64(4), fs.BytesWritten)
	assert.Equal(t, uint64(30), fs.WriteLatencyNS)
}

func TestProcessor_FailedOpenCountsWithoutBinding(t *testing.T) {
	f := newFixture(Options{})
	f.mem[0x5000] = "/missing"

	f.pair(t, 1, 400, -int64(unix.ENOENT), unix.SYS_OPEN, 0x5000)

	fs, ok := f.store.File("/missing")
	require.True(t, ok)
	assert.Equal(t, uint64(1), fs.OpenCount)
	assert.Zero(t, f.fds.Len())
}

func TestProcessor_OpenAt(t *testing.T) {
	f := newFixture(Options{})
	f.mem[0x5000] = "/etc"
	f.mem[0x6000] = "hosts"
	f.mem[0x7000] = "/abs/path"

	fdcwd := int32(unix.AT_FDCWD)
	cwd := uint64(uint32(fdcwd))
	f.pair(t, 1, 10, 3, unix.SYS_OPENAT, cwd, 0x5000, unix.O_DIRECTORY)
	f.pair(t, 1, 10, 4, unix.SYS_OPENAT, 3, 0x6000, 0)
	f.pair(t, 1, 10, 5, unix.SYS_OPENAT, cwd, 0x6000, 0)
	f.pair(t, 1, 10, 6, unix.SYS_OPENAT, 3, 0x7000, 0)

	path, _ := f.fds.Lookup(4)
	assert.Equal(t, "/etc/hosts", path, "relative to a known directory")
	path, _ = f.fds.Lookup(5)
	assert.Equal(t, "hosts", path, "relative to the working directory stays as given")
	path, _ = f.fds.Lookup(6)
	assert.Equal(t, "/abs/path", path)
}

func TestProcessor_CloseSemantics(t *testing.T) {
	t.Run("failed close keeps binding", func(t *testing.T) {
		f := newFixture(Options{})
		f.fds.Insert(5, "/tmp/a")

		f.pair(t, 1, 5, -int64(unix.EINTR), unix.SYS_CLOSE, 5)

		_, ok := f.fds.Lookup(5)
		assert.True(t, ok)
		fs, _ := f.store.File("/tmp/a")
		assert.Equal(t, uint64(1), fs.CloseCount)
	})

	t.Run("keep closed", func(t *testing.T) {
		f := newFixture(Options{KeepClosed: true})
		f.fds.Insert(5, "/tmp/a")

		f.pair(t, 1, 5, 0, unix.SYS_CLOSE, 5)
		f.pair(t, 1, 5, -int64(unix.EBADF), unix.SYS_READ, 5, 0, 1)

		fs, _ := f.store.File("/tmp/a")
		assert.Equal(t, uint64(1), fs.ReadCount, "late read still attributed")
	})

	t.Run("unknown descriptor", func(t *testing.T) {
		f := newFixture(Options{})

		f.pair(t, 1, 5, -int64(unix.EBADF), unix.SYS_CLOSE, 77)

		fs, ok := f.store.File(stats.UnknownPath)
		require.True(t, ok)
		assert.Equal(t, uint64(1), fs.CloseCount)
	})
}

func TestProcessor_DupVariants(t *testing.T) {
	f := newFixture(Options{})
	f.fds.Insert(3, "/var/log/app")

	f.pair(t, 1, 5, 10, unix.SYS_DUP2, 3, 10)
	f.pair(t, 1, 5, 11, unix.SYS_DUP3, 3, 11, 0)
	f.pair(t, 1, 5, 12, unix.SYS_DUP, 99)
	f.pair(t, 1, 5, -int64(unix.EBADF), unix.SYS_DUP, 3)

	for _, fd := range []int{10, 11} {
		path, ok := f.fds.Lookup(fd)
		require.True(t, ok, "fd %d", fd)
		assert.Equal(t, "/var/log/app", path)
	}
	_, ok := f.fds.Lookup(12)
	assert.False(t, ok, "alias of an unknown descriptor is not bound")
	assert.Equal(t, 3, f.fds.Len())
}

func TestProcessor_DupOntoBoundDescriptor(t *testing.T) {
	t.Run("unknown source replaces binding", func(t *testing.T) {
		f := newFixture(Options{})
		f.fds.Insert(1, "/tmp/out")

		f.pair(t, 1, 5, 1, unix.SYS_DUP2, 7, 1)
		f.pair(t, 1, 5, 4, unix.SYS_WRITE, 1, 0, 4)

		_, ok := f.fds.Lookup(1)
		assert.False(t, ok)
		out, _ := f.store.File("/tmp/out")
		assert.Zero(t, out.WriteCount)
		unknown, ok := f.store.File(stats.UnknownPath)
		require.True(t, ok)
		assert.Equal(t, uint64(4), unknown.BytesWritten)
	})

	t.Run("keep closed", func(t *testing.T) {
		f := newFixture(Options{KeepClosed: true})
		f.fds.Insert(1, "/tmp/out")

		f.pair(t, 1, 5, 1, unix.SYS_DUP3, 7, 1, 0)

		path, ok := f.fds.Lookup(1)
		require.True(t, ok)
		assert.Equal(t, "/tmp/out", path)
	})

	t.Run("failed dup2 keeps binding", func(t *testing.T) {
		f := newFixture(Options{})
		f.fds.Insert(1, "/tmp/out")

		f.pair(t, 1, 5, -int64(unix.EBADF), unix.SYS_DUP2, 7, 1)

		_, ok := f.fds.Lookup(1)
		assert.True(t, ok)
	})
}

func TestProcessor_ThreadsInterleave(t *testing.T) {
	f := newFixture(Options{})
	f.fds.Insert(5, "/tmp/a")
	f.fds.Insert(6, "/tmp/b")

	f.clock.at(100, 150, 400, 1000)
	require.NoError(t, f.proc.HandleCall(call(1, unix.SYS_READ, 5)))
	require.NoError(t, f.proc.HandleCall(call(2, unix.SYS_WRITE, 6)))
	require.NoError(t, f.proc.HandleReturn(ret(1, unix.SYS_READ, 10)))
	require.NoError(t, f.proc.HandleReturn(ret(2, unix.SYS_WRITE, 20)))

	a, _ := f.store.File("/tmp/a")
	b, _ := f.store.File("/tmp/b")
	assert.Equal(t, uint64(300), a.ReadLatencyNS)
	assert.Equal(t, uint64(850), b.WriteLatencyNS)
	assert.Zero(t, f.store.Snapshot().Quality.OrphanReturns)
}

func TestProcessor_OrphanReturn(t *testing.T) {
	f := newFixture(Options{})

	f.clock.at(500)
	require.NoError(t, f.proc.HandleReturn(ret(1, unix.SYS_OPEN, 9)))

	fs, ok := f.store.File(stats.UnknownPath)
	require.True(t, ok)
	assert.Equal(t, uint64(1), fs.OpenCount)
	assert.Zero(t, fs.OpenLatencyNS)
	assert.Zero(t, f.fds.Len(), "orphan open does not bind a descriptor")
	assert.Equal(t, uint64(1), f.store.Snapshot().Quality.OrphanReturns)
}

func TestProcessor_MismatchedReturnIsOrphan(t *testing.T) {
	f := newFixture(Options{})
	f.fds.Insert(5, "/tmp/a")

	f.clock.at(100, 900)
	require.NoError(t, f.proc.HandleCall(call(1, unix.SYS_READ, 5)))
	require.NoError(t, f.proc.HandleReturn(ret(1, 999, 0)))

	op, ok := f.store.Syscall(999)
	require.True(t, ok)
	assert.Zero(t, op.LatencyNS)
	assert.Zero(t, f.proc.Pending())
	q := f.store.Snapshot().Quality
	assert.Equal(t, uint64(1), q.OrphanReturns)
	assert.Equal(t, uint64(1), q.OverwrittenCalls, "the dropped read is accounted for")
	_, ok = f.store.File("/tmp/a")
	assert.False(t, ok, "the dropped read records nothing")
}

func TestProcessor_ClockGoingBackwards(t *testing.T) {
	f := newFixture(Options{})
	f.fds.Insert(5, "/tmp/a")

	f.clock.at(1000, 900)
	require.NoError(t, f.proc.HandleCall(call(1, unix.SYS_READ, 5)))
	require.NoError(t, f.proc.HandleReturn(ret(1, unix.SYS_READ, 8)))

	fs, ok := f.store.File("/tmp/a")
	require.True(t, ok)
	assert.Equal(t, uint64(1), fs.ReadCount)
	assert.Zero(t, fs.ReadLatencyNS)
	assert.Equal(t, uint64(8), fs.BytesRead)
}

func TestProcessor_OverwrittenAndUnfinished(t *testing.T) {
	f := newFixture(Options{})

	f.clock.at(100, 200, 300)
	require.NoError(t, f.proc.HandleCall(call(1, 999)))
	require.NoError(t, f.proc.HandleCall(call(1, unix.SYS_EXIT_GROUP)))
	require.NoError(t, f.proc.HandleCall(call(2, unix.SYS_NANOSLEEP)))
	assert.Equal(t, 2, f.proc.Pending())

	f.proc.Finish()

	q := f.store.Snapshot().Quality
	assert.Equal(t, uint64(1), q.OverwrittenCalls)
	assert.Equal(t, uint64(2), q.UnfinishedCalls)
	assert.Zero(t, f.proc.Pending())
	assert.Empty(t, f.store.Snapshot().Syscalls)
}

func TestProcessor_Desynchronized(t *testing.T) {
	t.Run("unreadable path", func(t *testing.T) {
		f := newFixture(Options{})
		f.clock.at(1)

		err := f.proc.HandleCall(call(1, unix.SYS_OPEN, 0xdead0000))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDesynchronized)
		assert.ErrorIs(t, err, unix.EFAULT)
	})

	t.Run("clock failure", func(t *testing.T) {
		f := newFixture(Options{})
		f.clock.err = unix.EINVAL

		err := f.proc.HandleCall(call(1, unix.SYS_READ, 3))
		assert.ErrorIs(t, err, ErrDesynchronized)

		err = f.proc.HandleReturn(ret(1, unix.SYS_READ, 0))
		assert.ErrorIs(t, err, ErrDesynchronized)
	})
}

func TestProcessor_TruncatedPath(t *testing.T) {
	f := newFixture(Options{MaxPathLen: 9})
	f.mem[0x5000] = "/a/very/long/path"

	f.pair(t, 1, 10, 3, unix.SYS_OPEN, 0x5000)

	path, ok := f.fds.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "/a/very/", path)
	assert.Equal(t, uint64(1), f.store.Snapshot().Quality.TruncatedPaths)
}
