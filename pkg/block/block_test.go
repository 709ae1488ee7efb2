package block

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/MilliDB/milli/pkg/codec"
	"github.com/MilliDB/milli/pkg/entry"
)

func openDataFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "series.dat"),
		os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriteReadBlocks(t *testing.T) {
	entries := []entry.Entry{
		{Ts: 1, Value: 11.0},
		{Ts: 2, Value: 21.0},
		{Ts: 3, Value: 31.0},
		{Ts: 4, Value: 41.0},
		{Ts: 5, Value: 51.0},
	}

	for _, kind := range []codec.Kind{codec.Raw, codec.Delta, codec.Deflate, codec.Snappy} {
		t.Run(kind.String(), func(t *testing.T) {
			f := openDataFile(t)

			w := NewWriter(f, 0)
			mid, err := w.Append(entries[0:3], kind)
			if err != nil {
				t.Fatalf("append first block: %v", err)
			}
			end, err := w.Append(entries[3:5], kind)
			if err != nil {
				t.Fatalf("append second block: %v", err)
			}
			if mid >= end {
				t.Fatalf("offsets not increasing: %d, %d", mid, end)
			}
			if w.Offset() != end {
				t.Fatalf("writer offset %d, want %d", w.Offset(), end)
			}
			if err := w.Sync(); err != nil {
				t.Fatalf("sync: %v", err)
			}

			r, err := NewReader(f, 0)
			if err != nil {
				t.Fatalf("new reader: %v", err)
			}

			got, next, err := r.ReadBlock()
			if err != nil {
				t.Fatalf("read first block: %v", err)
			}
			if next != mid {
				t.Errorf("first block next offset %d, want %d", next, mid)
			}
			assertEntries(t, got, entries[0:3])

			got, next, err = r.ReadBlock()
			if err != nil {
				t.Fatalf("read second block: %v", err)
			}
			if next != end {
				t.Errorf("second block next offset %d, want %d", next, end)
			}
			assertEntries(t, got, entries[3:5])

			if _, _, err := r.ReadBlock(); err != io.EOF {
				t.Errorf("read past end: got %v, want io.EOF", err)
			}
		})
	}
}

func assertEntries(t *testing.T, got, want []entry.Entry) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAppendEmptyBatch(t *testing.T) {
	w := NewWriter(openDataFile(t), 0)
	if _, err := w.Append(nil, codec.Delta); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("empty batch: got %v, want ErrEmptyBatch", err)
	}
}

func TestAppendTooManyEntries(t *testing.T) {
	w := NewWriter(openDataFile(t), 0)
	batch := make([]entry.Entry, MaxBlockEntries+1)
	if _, err := w.Append(batch, codec.Raw); !errors.Is(err, ErrTooManyEntries) {
		t.Errorf("oversized batch: got %v, want ErrTooManyEntries", err)
	}
}

func TestAppendDataFileTooBig(t *testing.T) {
	w := NewWriter(openDataFile(t), 0)
	w.maxSize = 32

	batch := []entry.Entry{{Ts: 1, Value: 1.0}, {Ts: 2, Value: 2.0}}
	if _, err := w.Append(batch, codec.Raw); !errors.Is(err, ErrDataFileTooBig) {
		t.Errorf("file cap: got %v, want ErrDataFileTooBig", err)
	}
	if w.Offset() != 0 {
		t.Errorf("failed append moved offset to %d", w.Offset())
	}
}

func TestReadCorruptHeader(t *testing.T) {
	f := openDataFile(t)
	w := NewWriter(f, 0)
	if _, err := w.Append([]entry.Entry{{Ts: 1, Value: 1.0}}, codec.Delta); err != nil {
		t.Fatal(err)
	}

	// Flip a bit inside the header's payload-size field.
	if _, err := f.WriteAt([]byte{0xFF}, 6); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.ReadBlock(); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("corrupt header: got %v, want ErrChecksumMismatch", err)
	}
}

func TestReadUnknownCompression(t *testing.T) {
	f := openDataFile(t)
	w := NewWriter(f, 0)
	if _, err := w.Append([]entry.Entry{{Ts: 1, Value: 1.0}}, codec.Delta); err != nil {
		t.Fatal(err)
	}

	// Overwrite the compression marker; the checksum no longer matches
	// either, but the unknown marker is detected first.
	if _, err := f.WriteAt([]byte{99}, 4); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.ReadBlock(); !errors.Is(err, codec.ErrUnknownCompression) {
		t.Errorf("unknown marker: got %v, want ErrUnknownCompression", err)
	}
}

func TestReadTruncatedPayload(t *testing.T) {
	f := openDataFile(t)
	w := NewWriter(f, 0)
	end, err := w.Append([]entry.Entry{{Ts: 1, Value: 1.0}, {Ts: 2, Value: 2.0}}, codec.Raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(end) - 5); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.ReadBlock(); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated payload: got %v, want ErrTruncated", err)
	}
}

func TestFailedAppendIsInvisibleAfterReset(t *testing.T) {
	f := openDataFile(t)
	w := NewWriter(f, 0)

	committed, err := w.Append([]entry.Entry{{Ts: 1, Value: 1.0}}, codec.Delta)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a failed append leaving garbage past the committed offset,
	// then a retry that overwrites it.
	if _, err := f.WriteAt([]byte("garbage bytes beyond the commit"), int64(committed)); err != nil {
		t.Fatal(err)
	}
	w.Reset(committed)
	end, err := w.Append([]entry.Entry{{Ts: 2, Value: 2.0}}, codec.Delta)
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	var all []entry.Entry
	for off := uint32(0); off < end; {
		entries, next, err := r.ReadBlock()
		if err != nil {
			t.Fatalf("read block at %d: %v", off, err)
		}
		all = append(all, entries...)
		off = next
	}
	assertEntries(t, all, []entry.Entry{{Ts: 1, Value: 1.0}, {Ts: 2, Value: 2.0}})
}
