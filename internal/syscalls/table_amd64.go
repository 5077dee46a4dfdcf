//go:build linux && amd64

package syscalls

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadRegs fetches the registers of a tracee stopped at a syscall stop.
func ReadRegs(tid int) (Regs, error) {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &raw); err != nil {
		return Regs{}, fmt.Errorf("reading registers of %d: %w", tid, err)
	}
	return RegsFromPtrace(&raw), nil
}

// RegsFromPtrace converts the raw register set of a syscall stop.
func RegsFromPtrace(r *unix.PtraceRegs) Regs {
	return Regs{
		//nolint:gosec // orig_rax holds a small syscall number or -1
		Syscall: int(int64(r.Orig_rax)),
		Args:    [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9},
		//nolint:gosec // rax carries a signed return value
		Ret: int64(r.Rax),
	}
}

var kinds = map[int]Kind{
	unix.SYS_OPEN:   KindOpen,
	unix.SYS_OPENAT: KindOpenAt,
	unix.SYS_CLOSE:  KindClose,
	unix.SYS_READ:   KindRead,
	unix.SYS_WRITE:  KindWrite,
	unix.SYS_DUP:    KindDup,
	unix.SYS_DUP2:   KindDup,
	unix.SYS_DUP3:   KindDup,
}

var names = map[int]string{
	unix.SYS_READ:            "read",
	unix.SYS_WRITE:           "write",
	unix.SYS_OPEN:            "open",
	unix.SYS_CLOSE:           "close",
	unix.SYS_STAT:            "stat",
	unix.SYS_FSTAT:           "fstat",
	unix.SYS_LSTAT:           "lstat",
	unix.SYS_POLL:            "poll",
	unix.SYS_LSEEK:           "lseek",
	unix.SYS_MMAP:            "mmap",
	unix.SYS_MPROTECT:        "mprotect",
	unix.SYS_MUNMAP:          "munmap",
	unix.SYS_BRK:             "brk",
	unix.SYS_RT_SIGACTION:    "rt_sigaction",
	unix.SYS_RT_SIGPROCMASK:  "rt_sigprocmask",
	unix.SYS_RT_SIGRETURN:    "rt_sigreturn",
	unix.SYS_IOCTL:           "ioctl",
	unix.SYS_PREAD64:         "pread64",
	unix.SYS_PWRITE64:        "pwrite64",
	unix.SYS_READV:           "readv",
	unix.SYS_WRITEV:          "writev",
	unix.SYS_ACCESS:          "access",
	unix.SYS_PIPE:            "pipe",
	unix.SYS_SELECT:          "select",
	unix.SYS_SCHED_YIELD:     "sched_yield",
	unix.SYS_MREMAP:          "mremap",
	unix.SYS_MSYNC:           "msync",
	unix.SYS_MADVISE:         "madvise",
	unix.SYS_DUP:             "dup",
	unix.SYS_DUP2:            "dup2",
	unix.SYS_NANOSLEEP:       "nanosleep",
	unix.SYS_GETPID:          "getpid",
	unix.SYS_SENDFILE:        "sendfile",
	unix.SYS_SOCKET:          "socket",
	unix.SYS_CONNECT:         "connect",
	unix.SYS_ACCEPT:          "accept",
	unix.SYS_SENDTO:          "sendto",
	unix.SYS_RECVFROM:        "recvfrom",
	unix.SYS_CLONE:           "clone",
	unix.SYS_FORK:            "fork",
	unix.SYS_VFORK:           "vfork",
	unix.SYS_EXECVE:          "execve",
	unix.SYS_EXIT:            "exit",
	unix.SYS_WAIT4:           "wait4",
	unix.SYS_KILL:            "kill",
	unix.SYS_UNAME:           "uname",
	unix.SYS_FCNTL:           "fcntl",
	unix.SYS_FSYNC:           "fsync",
	unix.SYS_FDATASYNC:       "fdatasync",
	unix.SYS_TRUNCATE:        "truncate",
	unix.SYS_FTRUNCATE:       "ftruncate",
	unix.SYS_GETDENTS:        "getdents",
	unix.SYS_GETCWD:          "getcwd",
	unix.SYS_CHDIR:           "chdir",
	unix.SYS_RENAME:          "rename",
	unix.SYS_MKDIR:           "mkdir",
	unix.SYS_RMDIR:           "rmdir",
	unix.SYS_UNLINK:          "unlink",
	unix.SYS_READLINK:        "readlink",
	unix.SYS_CHMOD:           "chmod",
	unix.SYS_GETUID:          "getuid",
	unix.SYS_GETGID:          "getgid",
	unix.SYS_GETEUID:         "geteuid",
	unix.SYS_GETEGID:         "getegid",
	unix.SYS_ARCH_PRCTL:      "arch_prctl",
	unix.SYS_SYNC:            "sync",
	unix.SYS_GETTID:          "gettid",
	unix.SYS_FUTEX:           "futex",
	unix.SYS_GETDENTS64:      "getdents64",
	unix.SYS_SET_TID_ADDRESS: "set_tid_address",
	unix.SYS_FADVISE64:       "fadvise64",
	unix.SYS_CLOCK_GETTIME:   "clock_gettime",
	unix.SYS_EXIT_GROUP:      "exit_group",
	unix.SYS_EPOLL_WAIT:      "epoll_wait",
	unix.SYS_EPOLL_CTL:       "epoll_ctl",
	unix.SYS_OPENAT:          "openat",
	unix.SYS_MKDIRAT:         "mkdirat",
	unix.SYS_NEWFSTATAT:      "newfstatat",
	unix.SYS_UNLINKAT:        "unlinkat",
	unix.SYS_RENAMEAT:        "renameat",
	unix.SYS_READLINKAT:      "readlinkat",
	unix.SYS_FACCESSAT:       "faccessat",
	unix.SYS_SET_ROBUST_LIST: "set_robust_list",
	unix.SYS_EPOLL_CREATE1:   "epoll_create1",
	unix.SYS_DUP3:            "dup3",
	unix.SYS_PIPE2:           "pipe2",
	unix.SYS_PRLIMIT64:       "prlimit64",
	unix.SYS_GETRANDOM:       "getrandom",
	unix.SYS_STATX:           "statx",
	unix.SYS_RSEQ:            "rseq",
	unix.SYS_CLONE3:          "clone3",
	unix.SYS_FACCESSAT2:      "faccessat2",
}
