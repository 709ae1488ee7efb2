package series

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MilliDB/milli/pkg/block"
	"github.com/MilliDB/milli/pkg/common/iterator"
	"github.com/MilliDB/milli/pkg/entry"
)

// ErrIteratorClosed reports a scan consumed after Close released its file
// handle.
var ErrIteratorClosed = errors.New("series: iterator closed")

// Iterator streams committed entries from the data file. It holds its own
// read-only handle and a fixed commit snapshot, so it is unaffected by
// concurrent appends and by the series handle closing.
type Iterator struct {
	f      *os.File
	reader *block.Reader
	offset uint32 // next block to read
	size   uint32 // committed data offset; blocks at or past it are invisible
	fromTs int64

	buf      []entry.Entry
	pos      int
	cur      entry.Entry
	filtered bool
	done     bool
	closed   bool
	err      error
}

var _ iterator.EntryIterator = (*Iterator)(nil)

// Next advances to the next entry, reporting false at the end of the
// committed range or on error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if it.closed {
		it.err = ErrIteratorClosed
		return false
	}

	for it.pos >= len(it.buf) {
		if it.offset >= it.size {
			it.done = true
			return false
		}
		if !it.fetchBlock() {
			return false
		}
	}

	it.cur = it.buf[it.pos]
	it.pos++
	return true
}

// fetchBlock reads and decodes the next committed block into the buffer.
// Only the first block can contain entries below fromTs; they are dropped
// here.
func (it *Iterator) fetchBlock() bool {
	entries, next, err := it.reader.ReadBlock()
	if err != nil {
		// The committed size promised more data than the file holds.
		if err == io.EOF {
			err = fmt.Errorf("%w: data file ends at block offset %d, committed size %d",
				block.ErrTruncated, it.offset, it.size)
		}
		it.err = err
		return false
	}

	if !it.filtered {
		it.filtered = true
		start := 0
		for start < len(entries) && entries[start].Ts < it.fromTs {
			start++
		}
		entries = entries[start:]
	}

	it.buf = entries
	it.pos = 0
	it.offset = next
	return true
}

// Entry returns the current entry. Only valid after a true Next.
func (it *Iterator) Entry() entry.Entry { return it.cur }

// Err returns the error that terminated iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the read handle. A Next after Close fails with
// ErrIteratorClosed unless iteration had already finished.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.buf = nil
	it.pos = 0
	return it.f.Close()
}
