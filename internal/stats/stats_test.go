package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RecordOpenClose(t *testing.T) {
	s := NewStore()

	s.RecordOpen("/tmp/a", 1200)
	s.RecordOpen("/tmp/a", 800)
	s.RecordClose("/tmp/a", 50)

	fs, ok := s.File("/tmp/a")
	require.True(t, ok)
	assert.Equal(t, uint64(2), fs.OpenCount)
	assert.Equal(t, uint64(2000), fs.OpenLatencyNS)
	assert.Equal(t, uint64(1), fs.CloseCount)
	assert.Equal(t, uint64(50), fs.CloseLatencyNS)
	assert.Zero(t, fs.ReadCount)
}

func TestStore_ReadsAreAdditive(t *testing.T) {
	s := NewStore()

	latencies := []uint64{300, 150, 0, 42, 1_000_000}
	var total uint64
	for _, l := range latencies {
		s.RecordRead("/data/file", l, 100)
		total += l
	}

	fs, _ := s.File("/data/file")
	assert.Equal(t, uint64(len(latencies)), fs.ReadCount)
	assert.Equal(t, total, fs.ReadLatencyNS)
	assert.Equal(t, uint64(100*len(latencies)), fs.BytesRead)
}

func TestStore_NegativeBytesClamped(t *testing.T) {
	s := NewStore()

	s.RecordRead("/tmp/x", 10, -11) // -EAGAIN
	s.RecordRead("/tmp/x", 10, 64)
	s.RecordWrite("/tmp/x", 20, -9) // -EBADF
	s.RecordWrite("/tmp/x", 20, 0)

	fs, _ := s.File("/tmp/x")
	assert.Equal(t, uint64(2), fs.ReadCount, "failed reads are still counted")
	assert.Equal(t, uint64(64), fs.BytesRead)
	assert.Equal(t, uint64(2), fs.WriteCount)
	assert.Equal(t, uint64(0), fs.BytesWritten)
	assert.Equal(t, uint64(40), fs.WriteLatencyNS)
}

func TestStore_RecordOperation(t *testing.T) {
	s := NewStore()

	s.RecordOperation(999, 75)

	sc, ok := s.Syscall(999)
	require.True(t, ok)
	assert.Equal(t, SyscallStats{Count: 1, LatencyNS: 75}, sc)

	snap := s.Snapshot()
	assert.Empty(t, snap.Files, "unmatched syscalls never touch file records")
}

func TestStore_Quality(t *testing.T) {
	s := NewStore()

	s.AddOrphanReturn()
	s.AddOverwrittenCall()
	s.AddOverwrittenCall()
	s.AddUnfinishedCalls(3)
	s.AddUnfinishedCalls(0)
	s.AddTruncatedPath()

	assert.Equal(t, Quality{
		OrphanReturns:    1,
		OverwrittenCalls: 2,
		UnfinishedCalls:  3,
		TruncatedPaths:   1,
	}, s.Snapshot().Quality)
}

func TestStore_SnapshotIsIndependent(t *testing.T) {
	s := NewStore()
	s.RecordWrite("/tmp/out", 10, 5)

	snap := s.Snapshot()
	s.RecordWrite("/tmp/out", 10, 5)
	s.RecordOperation(1, 1)

	assert.Equal(t, uint64(1), snap.Files["/tmp/out"].WriteCount)
	assert.Empty(t, snap.Syscalls)

	clone := snap.Clone()
	clone.Files["/tmp/other"] = FileStats{OpenCount: 1}
	assert.NotContains(t, snap.Files, "/tmp/other")
}

func TestStore_MissingRecords(t *testing.T) {
	s := NewStore()

	_, ok := s.File("/nope")
	assert.False(t, ok)
	_, ok = s.Syscall(12)
	assert.False(t, ok)
}

func TestStore_ConcurrentReadersAndWriter(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.RecordRead(UnknownPath, 1, 1)
			s.RecordOperation(i%7, 1)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = s.Snapshot()
		}
	}()
	wg.Wait()

	fs, _ := s.File(UnknownPath)
	assert.Equal(t, uint64(1000), fs.ReadCount)
}
