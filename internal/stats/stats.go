// Package stats accumulates per-file and per-syscall timing and counters for
// a trace session.
//
// Records are created on first reference and only ever grow. Latencies are
// nanoseconds. Byte totals take the raw return value of read/write; negative
// values are error returns and contribute zero bytes while still counting the
// call.
package stats

import (
	"maps"
	"sync"
)

// UnknownPath is the key used for descriptors that could not be resolved.
const UnknownPath = "unknown"

// FileStats holds the accumulated counters for one path.
type FileStats struct {
	OpenCount      uint64
	OpenLatencyNS  uint64
	CloseCount     uint64
	CloseLatencyNS uint64
	ReadCount      uint64
	ReadLatencyNS  uint64
	BytesRead      uint64
	WriteCount     uint64
	WriteLatencyNS uint64
	BytesWritten   uint64
}

// SyscallStats holds the accumulated counters for one unmatched syscall.
type SyscallStats struct {
	Count     uint64
	LatencyNS uint64
}

// Quality counts events that make the numbers less trustworthy without
// invalidating the trace.
type Quality struct {
	// OrphanReturns counts return stops with no matching call.
	OrphanReturns uint64
	// OverwrittenCalls counts pending calls dropped before their return was
	// seen, either replaced by a newer call or by a mismatched return.
	OverwrittenCalls uint64
	// UnfinishedCalls counts calls still pending when tracing ended.
	UnfinishedCalls uint64
	// TruncatedPaths counts paths cut at the extraction bound.
	TruncatedPaths uint64
}

// Snapshot is a point-in-time copy of a Store.
type Snapshot struct {
	Files    map[string]FileStats
	Syscalls map[int]SyscallStats
	Quality  Quality
}

// Store accumulates statistics. The zero value is not usable; call NewStore.
type Store struct {
	mu       sync.RWMutex
	files    map[string]*FileStats
	syscalls map[int]*SyscallStats
	quality  Quality
}

// NewStore creates an empty statistics store.
func NewStore() *Store {
	return &Store{
		files:    make(map[string]*FileStats),
		syscalls: make(map[int]*SyscallStats),
	}
}

// file returns the record for path, creating it. Callers hold mu.
func (s *Store) file(path string) *FileStats {
	fs, ok := s.files[path]
	if !ok {
		fs = &FileStats{}
		s.files[path] = fs
	}
	return fs
}

// RecordOpen counts one open of path.
func (s *Store) RecordOpen(path string, latencyNS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.file(path)
	fs.OpenCount++
	fs.OpenLatencyNS += latencyNS
}

// RecordClose counts one close of path.
func (s *Store) RecordClose(path string, latencyNS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.file(path)
	fs.CloseCount++
	fs.CloseLatencyNS += latencyNS
}

// RecordRead counts one read of path returning ret.
func (s *Store) RecordRead(path string, latencyNS uint64, ret int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.file(path)
	fs.ReadCount++
	fs.ReadLatencyNS += latencyNS
	fs.BytesRead += clampBytes(ret)
}

// RecordWrite counts one write to path returning ret.
func (s *Store) RecordWrite(path string, latencyNS uint64, ret int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := s.file(path)
	fs.WriteCount++
	fs.WriteLatencyNS += latencyNS
	fs.BytesWritten += clampBytes(ret)
}

// RecordOperation counts one invocation of an unmatched syscall.
func (s *Store) RecordOperation(nr int, latencyNS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.syscalls[nr]
	if !ok {
		sc = &SyscallStats{}
		s.syscalls[nr] = sc
	}
	sc.Count++
	sc.LatencyNS += latencyNS
}

// AddOrphanReturn counts a return stop without a matching call.
func (s *Store) AddOrphanReturn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality.OrphanReturns++
}

// AddOverwrittenCall counts a pending call replaced before its return.
func (s *Store) AddOverwrittenCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality.OverwrittenCalls++
}

// AddUnfinishedCalls counts n calls that never returned.
func (s *Store) AddUnfinishedCalls(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality.UnfinishedCalls += uint64(n)
}

// AddTruncatedPath counts a path cut at the extraction bound.
func (s *Store) AddTruncatedPath() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality.TruncatedPaths++
}

// File returns a copy of the record for path.
func (s *Store) File(path string) (FileStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.files[path]
	if !ok {
		return FileStats{}, false
	}
	return *fs, true
}

// Syscall returns a copy of the record for an unmatched syscall number.
func (s *Store) Syscall(nr int) (SyscallStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.syscalls[nr]
	if !ok {
		return SyscallStats{}, false
	}
	return *sc, true
}

// Snapshot returns a deep copy of all records.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Files:    make(map[string]FileStats, len(s.files)),
		Syscalls: make(map[int]SyscallStats, len(s.syscalls)),
		Quality:  s.quality,
	}
	for path, fs := range s.files {
		snap.Files[path] = *fs
	}
	for nr, sc := range s.syscalls {
		snap.Syscalls[nr] = *sc
	}
	return snap
}

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Files:    maps.Clone(s.Files),
		Syscalls: maps.Clone(s.Syscalls),
		Quality:  s.Quality,
	}
}

func clampBytes(ret int64) uint64 {
	if ret < 0 {
		return 0
	}
	return uint64(ret)
}
