// Package iterator defines the lazy entry sequence contract shared by the
// scan and aggregation layers, so consumers traverse entries the same way
// regardless of whether they come from disk or memory.
package iterator

import "github.com/MilliDB/milli/pkg/entry"

// EntryIterator walks entries in timestamp order.
//
//	for it.Next() {
//	    e := it.Entry()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
//
// Close releases any resources backing the iterator; a closed iterator
// stops iterating. The disk-backed scan iterator also reports the close
// through Err; the in-memory Slice adapter keeps Err nil.
type EntryIterator interface {
	// Next advances to the next entry, reporting false at the end of the
	// sequence or on error.
	Next() bool

	// Entry returns the current entry. Only valid after a true Next.
	Entry() entry.Entry

	// Err returns the error that terminated iteration, if any.
	Err() error

	// Close releases resources held by the iterator.
	Close() error
}

type sliceIterator struct {
	entries []entry.Entry
	cur     entry.Entry
}

// Slice adapts an in-memory batch, already sorted by timestamp, to the
// EntryIterator interface, yielding entries with ts >= fromTs.
func Slice(entries []entry.Entry, fromTs int64) EntryIterator {
	start := 0
	for start < len(entries) && entries[start].Ts < fromTs {
		start++
	}
	return &sliceIterator{entries: entries[start:]}
}

func (it *sliceIterator) Next() bool {
	if len(it.entries) == 0 {
		return false
	}
	it.cur = it.entries[0]
	it.entries = it.entries[1:]
	return true
}

func (it *sliceIterator) Entry() entry.Entry { return it.cur }

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Close() error {
	it.entries = nil
	return nil
}
