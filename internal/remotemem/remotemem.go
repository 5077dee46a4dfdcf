// Package remotemem copies NUL-terminated strings out of a stopped tracee's
// address space.
//
// Strings are read one machine word at a time so that a short path costs a
// handful of PTRACE_PEEKDATA round trips instead of one per byte. Reading stops
// at the first NUL inside any word or at the capacity bound, whichever comes
// first. A failed remote read is an error; partial data is never returned.
package remotemem

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

const (
	// WordSize is the number of bytes fetched per remote read.
	WordSize = 8

	// DefaultMaxLen bounds path extraction. It includes room for the
	// terminator, so at most DefaultMaxLen-1 bytes of path are kept.
	DefaultMaxLen = 256
)

// ErrRemoteRead is wrapped by every error caused by a failed remote read.
var ErrRemoteRead = errors.New("remote memory read failed")

// Peeker reads raw bytes from another process's memory.
type Peeker interface {
	PeekData(pid int, addr uintptr, out []byte) (int, error)
}

// PtracePeeker reads tracee memory with PTRACE_PEEKDATA.
// The caller must be the tracer of pid and pid must be stopped.
type PtracePeeker struct{}

// PeekData implements Peeker.
func (PtracePeeker) PeekData(pid int, addr uintptr, out []byte) (int, error) {
	return unix.PtracePeekData(pid, addr, out)
}

// Result is the outcome of a successful string extraction.
type Result struct {
	// Value holds the bytes before the terminator (or before the bound).
	Value string
	// Truncated is set when the capacity was reached without finding a NUL.
	Truncated bool
}

// ReadString copies the NUL-terminated string at addr from the memory of pid.
// maxLen bounds the local buffer including the terminator; values below one
// word are raised to WordSize. A string of exactly maxLen-1 bytes is not
// truncated: the word after it is read to find its terminator. A truncated
// value never ends in the middle of a UTF-8 sequence.
func ReadString(p Peeker, pid int, addr uintptr, maxLen int) (Result, error) {
	if addr == 0 {
		return Result{}, fmt.Errorf("%w: null address", ErrRemoteRead)
	}
	if maxLen < WordSize {
		maxLen = WordSize
	}
	limit := maxLen - 1

	buf := make([]byte, 0, limit)
	var word [WordSize]byte

	for off := 0; ; off += WordSize {
		n, err := p.PeekData(pid, addr+uintptr(off), word[:])
		if err != nil {
			return Result{}, fmt.Errorf("%w: pid %d at %#x: %w", ErrRemoteRead, pid, addr+uintptr(off), err)
		}
		if n != WordSize {
			return Result{}, fmt.Errorf("%w: pid %d at %#x: short read of %d bytes", ErrRemoteRead, pid, addr+uintptr(off), n)
		}

		room := limit - len(buf)
		if i := bytes.IndexByte(word[:], 0); i >= 0 && i <= room {
			buf = append(buf, word[:i]...)
			return Result{Value: string(buf)}, nil
		}
		if room < WordSize {
			buf = append(buf, word[:room]...)
			return Result{Value: string(trimPartialRune(buf)), Truncated: true}, nil
		}
		buf = append(buf, word[:]...)
	}
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of b by
// the capacity cut. Bytes that are not UTF-8 at all are kept as they are.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			break
		}
	}
	return b
}
