// Package index maintains the sparse block index of a series: one 12-byte
// record per block, `highest_ts i64 || block_offset u32`, both big-endian.
// The file is memory-mapped; records are written through the mapping and
// msync'd, and lookups binary-search the mapped records directly.
//
// The mapping is grown in fixed chunks ahead of the written records. A
// grow publishes a fresh mapping through an atomic pointer and retires the
// previous one; retired mappings stay valid until Close so that scans
// holding an older snapshot never fault.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// RecordSize is the fixed width of one index record.
	RecordSize = 8 + 4

	// DefaultChunkRecords is how many records each mapping growth step
	// makes room for.
	DefaultChunkRecords = 1024

	// MaxIndexSize is the hard cap imposed by 32-bit index offsets,
	// rounded down to a whole record.
	MaxIndexSize = math.MaxUint32 / RecordSize * RecordSize
)

var (
	ErrMisalignedOffset = errors.New("index: offset is not a record multiple")
	ErrOffsetOutOfRange = errors.New("index: offset outside the mapping")
	ErrIndexFileTooBig  = errors.New("index: file size limit reached")
	ErrClosed           = errors.New("index: closed")
)

type mapping struct {
	data []byte
}

// Index owns the mapped index file of one series. Appends are serialized
// by the per-series append lock; lookups may run concurrently against a
// mapping snapshot.
type Index struct {
	mu      sync.Mutex
	f       *os.File
	cur     atomic.Pointer[mapping]
	retired [][]byte
	chunk   uint32
	size    uint32
	maxSize uint32
	closed  bool
}

// Open maps the index file, sized up to the first chunk boundary past the
// committed records. upperOffset is the committed index offset from the latest
// commit record; chunkRecords <= 0 selects DefaultChunkRecords.
func Open(f *os.File, upperOffset uint32, chunkRecords int) (*Index, error) {
	if upperOffset%RecordSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrMisalignedOffset, upperOffset)
	}
	if upperOffset > MaxIndexSize {
		return nil, ErrIndexFileTooBig
	}
	if chunkRecords <= 0 {
		chunkRecords = DefaultChunkRecords
	}

	x := &Index{
		f:       f,
		chunk:   uint32(chunkRecords) * RecordSize,
		maxSize: MaxIndexSize,
	}

	size := (upperOffset/x.chunk + 1) * x.chunk
	if size > x.maxSize {
		size = x.maxSize
	}
	if err := x.remap(size); err != nil {
		return nil, err
	}
	return x, nil
}

// remap extends the file and publishes a fresh mapping. Caller holds mu
// (or is Open).
func (x *Index) remap(size uint32) error {
	if err := x.f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("index: extend to %d: %w", size, err)
	}
	data, err := unix.Mmap(int(x.f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("index: mmap %d bytes: %w", size, err)
	}
	if old := x.cur.Load(); old != nil {
		x.retired = append(x.retired, old.data)
	}
	x.cur.Store(&mapping{data: data})
	x.size = size
	return nil
}

// Append writes one record at the given offset and returns the offset one
// record past it.
func (x *Index) Append(offset uint32, ts int64, blockOffset uint32) (uint32, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return 0, ErrClosed
	}
	if offset%RecordSize != 0 {
		return 0, fmt.Errorf("%w: %d", ErrMisalignedOffset, offset)
	}
	if uint64(offset)+RecordSize > uint64(x.maxSize) {
		return 0, ErrIndexFileTooBig
	}
	if offset+RecordSize > x.size {
		if err := x.remap(x.size + x.chunk); err != nil {
			return 0, err
		}
	}

	data := x.cur.Load().data
	binary.BigEndian.PutUint64(data[offset:offset+8], uint64(ts))
	binary.BigEndian.PutUint32(data[offset+8:offset+12], blockOffset)

	return offset + RecordSize, nil
}

// Sync flushes the dirty mapping to stable storage.
func (x *Index) Sync() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrClosed
	}
	if err := unix.Msync(x.cur.Load().data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("index: msync: %w", err)
	}
	return nil
}

// CeilingOffset finds the smallest record within [0, upperOffset) whose
// highest_ts is >= ts and returns its block offset. ok is false when every
// indexed block tops out below ts.
func (x *Index) CeilingOffset(ts int64, upperOffset uint32) (uint32, bool, error) {
	m := x.cur.Load()
	if m == nil {
		return 0, false, ErrClosed
	}
	if upperOffset%RecordSize != 0 {
		return 0, false, fmt.Errorf("%w: %d", ErrMisalignedOffset, upperOffset)
	}
	if upperOffset > uint32(len(m.data)) {
		return 0, false, fmt.Errorf("%w: %d > %d", ErrOffsetOutOfRange, upperOffset, len(m.data))
	}

	n := upperOffset / RecordSize
	lo, hi := uint32(0), n
	for lo < hi {
		mid := lo + (hi-lo)/2
		if nthTs(m.data, mid) < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == n {
		return 0, false, nil
	}
	return nthBlockOffset(m.data, lo), true, nil
}

func nthTs(data []byte, nth uint32) int64 {
	return int64(binary.BigEndian.Uint64(data[nth*RecordSize:]))
}

func nthBlockOffset(data []byte, nth uint32) uint32 {
	return binary.BigEndian.Uint32(data[nth*RecordSize+8:])
}

// Close unmaps every mapping generation. The file handle stays with the
// caller.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil
	}
	x.closed = true

	var firstErr error
	if m := x.cur.Load(); m != nil {
		firstErr = unix.Munmap(m.data)
		x.cur.Store(nil)
	}
	for _, data := range x.retired {
		if err := unix.Munmap(data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	x.retired = nil
	return firstErr
}
