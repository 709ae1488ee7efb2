// Package block reads and writes the framed, compressed blocks that make
// up a series data file. A block is an 11-byte header (entry count u32,
// compression marker u8, payload size u32, CRC-16 u16, all big-endian)
// followed by the compressed payload. Blocks are immutable once written.
package block

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/MilliDB/milli/pkg/codec"
	"github.com/MilliDB/milli/pkg/entry"
)

const (
	// HeaderSize is the fixed framing overhead per block.
	HeaderSize = 4 + 1 + 4 + 2

	// MaxBlockEntries caps the entry count of a single block. Callers
	// split larger batches into multiple blocks.
	MaxBlockEntries = 1<<16 - 1

	// MaxDataFileSize is the hard cap imposed by 32-bit block offsets.
	MaxDataFileSize = math.MaxUint32

	readBufferSize = 1 << 20
)

var (
	ErrEmptyBatch       = errors.New("block: empty batch")
	ErrTooManyEntries   = errors.New("block: too many entries")
	ErrDataFileTooBig   = errors.New("block: data file size limit reached")
	ErrChecksumMismatch = errors.New("block: header checksum mismatch")
	ErrTruncated        = errors.New("block: truncated")
)

type header struct {
	entriesCount uint32
	kind         codec.Kind
	payloadSize  uint32
}

func (h header) checksum() uint16 {
	var buf [9]byte
	h.marshal(buf[:])
	return codec.CRC16(buf[:])
}

func (h header) marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.entriesCount)
	buf[4] = h.kind.Marker()
	binary.BigEndian.PutUint32(buf[5:9], h.payloadSize)
}

func parseHeader(buf []byte) (header, error) {
	kind, err := codec.KindFromMarker(buf[4])
	if err != nil {
		return header{}, err
	}
	h := header{
		entriesCount: binary.BigEndian.Uint32(buf[0:4]),
		kind:         kind,
		payloadSize:  binary.BigEndian.Uint32(buf[5:9]),
	}
	if binary.BigEndian.Uint16(buf[9:11]) != h.checksum() {
		return header{}, ErrChecksumMismatch
	}
	return h, nil
}

// Writer appends blocks to a data file. Writes land at the writer's own
// offset via WriteAt, so a failed append never disturbs bytes below it and
// the next append overwrites whatever garbage the failure left behind.
type Writer struct {
	f       *os.File
	offset  uint64
	maxSize uint64
}

// NewWriter positions a writer at the committed end of the data file.
func NewWriter(f *os.File, offset uint32) *Writer {
	return &Writer{f: f, offset: uint64(offset), maxSize: MaxDataFileSize}
}

// Offset reports where the next block will begin.
func (w *Writer) Offset() uint32 { return uint32(w.offset) }

// Append frames and writes one block, returning the file offset one past
// it. Entries must be non-empty and sorted by timestamp.
func (w *Writer) Append(entries []entry.Entry, kind codec.Kind) (uint32, error) {
	if len(entries) == 0 {
		return 0, ErrEmptyBatch
	}
	if len(entries) > MaxBlockEntries {
		return 0, fmt.Errorf("%w: %d", ErrTooManyEntries, len(entries))
	}

	payload, err := codec.Encode(kind, entries)
	if err != nil {
		return 0, err
	}

	next := w.offset + HeaderSize + uint64(len(payload))
	if next > w.maxSize {
		return 0, ErrDataFileTooBig
	}

	h := header{
		entriesCount: uint32(len(entries)),
		kind:         kind,
		payloadSize:  uint32(len(payload)),
	}

	frame := make([]byte, HeaderSize+len(payload))
	h.marshal(frame[:9])
	binary.BigEndian.PutUint16(frame[9:11], h.checksum())
	copy(frame[HeaderSize:], payload)

	if _, err := w.f.WriteAt(frame, int64(w.offset)); err != nil {
		return 0, fmt.Errorf("block: write at %d: %w", w.offset, err)
	}

	w.offset = next
	return uint32(next), nil
}

// Reset moves the writer back to a committed offset, discarding any
// tentative bytes written past it by a failed append.
func (w *Writer) Reset(offset uint32) { w.offset = uint64(offset) }

// Sync flushes written blocks to stable storage.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("block: sync: %w", err)
	}
	return nil
}

// Reader streams blocks sequentially from a starting offset.
type Reader struct {
	r      *bufio.Reader
	offset uint64
}

// NewReader starts reading at the given block offset.
func NewReader(f *os.File, offset uint32) (*Reader, error) {
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("block: seek to %d: %w", offset, err)
	}
	return &Reader{
		r:      bufio.NewReaderSize(f, readBufferSize),
		offset: uint64(offset),
	}, nil
}

// ReadBlock decodes the next block and returns its entries along with the
// offset of the block after it. It returns io.EOF cleanly at end of file
// and ErrTruncated when a block is cut short.
func (r *Reader) ReadBlock() ([]entry.Entry, uint32, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r.r, hbuf[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("%w: header at %d: %v", ErrTruncated, r.offset, err)
	}

	h, err := parseHeader(hbuf[:])
	if err != nil {
		return nil, 0, fmt.Errorf("block at %d: %w", r.offset, err)
	}

	payload := make([]byte, h.payloadSize)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, 0, fmt.Errorf("%w: payload at %d: %v", ErrTruncated, r.offset, err)
	}

	entries, err := codec.Decode(h.kind, payload, int(h.entriesCount))
	if err != nil {
		return nil, 0, fmt.Errorf("block at %d: %w", r.offset, err)
	}

	r.offset += HeaderSize + uint64(h.payloadSize)
	return entries, uint32(r.offset), nil
}
