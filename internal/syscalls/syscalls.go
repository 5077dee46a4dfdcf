// Package syscalls maps architecture-specific system call numbers and
// registers onto the operations iotrace attributes to files.
//
// The tables and register accessors live in per-architecture files; only
// linux/amd64 is provided.
//
// Everything outside the tracked set classifies as KindUnmatched and is only
// counted and timed by number.
package syscalls

import "strconv"

// Kind is the category a system call is handled as.
type Kind uint8

const (
	KindUnmatched Kind = iota
	KindOpen
	KindOpenAt
	KindClose
	KindRead
	KindWrite
	KindDup
)

var kindNames = [...]string{
	KindUnmatched: "unmatched",
	KindOpen:      "open",
	KindOpenAt:    "openat",
	KindClose:     "close",
	KindRead:      "read",
	KindWrite:     "write",
	KindDup:       "dup",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// TakesPath reports whether calls of this kind carry a path argument.
func (k Kind) TakesPath() bool {
	return k == KindOpen || k == KindOpenAt
}

// Regs is an architecture-neutral snapshot of the registers at a syscall stop.
// Ret is only meaningful at a return stop.
type Regs struct {
	Syscall int
	Args    [6]uint64
	Ret     int64
}

// Classify returns the handling category for a syscall number.
func Classify(nr int) Kind {
	if k, ok := kinds[nr]; ok {
		return k
	}
	return KindUnmatched
}

// Name returns the human-readable name for a syscall number.
// Numbers missing from the table are rendered as "syscall_<nr>".
func Name(nr int) string {
	if name, ok := names[nr]; ok {
		return name
	}
	return "syscall_" + strconv.Itoa(nr)
}
