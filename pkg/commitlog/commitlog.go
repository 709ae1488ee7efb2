// Package commitlog persists the visibility pointer of a series. Unlike a
// classic WAL it carries no payloads: each 18-byte record publishes the
// committed (data_offset, index_offset, highest_ts) triple, and everything
// in the data and index files past those offsets is invisible.
//
// Records are appended to rotated segment files `series.log.{k}`. On open
// the segments are replayed in ascending suffix order; a record counts
// only if its CRC validates and its offsets do not regress, so a torn or
// tentative tail is silently discarded.
package commitlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MilliDB/milli/pkg/codec"
	"github.com/MilliDB/milli/pkg/common/log"
	"github.com/MilliDB/milli/pkg/config"
)

const (
	// RecordSize is the fixed width of one commit record:
	// data_offset u32 || index_offset u32 || highest_ts i64 || crc16 u16.
	RecordSize = 4 + 4 + 8 + 2

	segmentPrefix = "series.log."
)

var (
	ErrCorruptRecord = errors.New("commitlog: record checksum mismatch")
	ErrClosed        = errors.New("commitlog: closed")
)

// Commit is the committed visible state of a series.
type Commit struct {
	DataOffset  uint32
	IndexOffset uint32
	HighestTs   int64
}

// Sentinel is the state of a series with no visible blocks.
var Sentinel = Commit{DataOffset: 0, IndexOffset: 0, HighestTs: math.MinInt64}

func (c Commit) checksum() uint16 {
	var buf [16]byte
	c.marshalPrefix(buf[:])
	return codec.CRC16(buf[:])
}

func (c Commit) marshalPrefix(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], c.DataOffset)
	binary.BigEndian.PutUint32(buf[4:8], c.IndexOffset)
	binary.BigEndian.PutUint64(buf[8:16], uint64(c.HighestTs))
}

func (c Commit) marshal() []byte {
	buf := make([]byte, RecordSize)
	c.marshalPrefix(buf[:16])
	binary.BigEndian.PutUint16(buf[16:18], c.checksum())
	return buf
}

func parseRecord(buf []byte) (Commit, error) {
	c := Commit{
		DataOffset:  binary.BigEndian.Uint32(buf[0:4]),
		IndexOffset: binary.BigEndian.Uint32(buf[4:8]),
		HighestTs:   int64(binary.BigEndian.Uint64(buf[8:16])),
	}
	if binary.BigEndian.Uint16(buf[16:18]) != c.checksum() {
		return Commit{}, ErrCorruptRecord
	}
	return c, nil
}

// Log owns the commit-log segments of one series directory.
type Log struct {
	mu      sync.Mutex
	cfg     *config.Config
	dir     string
	logger  log.Logger
	current atomic.Pointer[Commit]

	f       *os.File
	seq     uint64
	size    int64
	seqs    []uint64 // live segments, ascending
	commits int
	closed  bool

	replay ReplayStats
}

// ReplayStats summarizes what Open found in the existing segments.
type ReplayStats struct {
	Segments  uint64
	Accepted  uint64
	Discarded uint64
}

// Open replays the segments under dir, determines the current commit and
// starts a fresh segment seeded with it. A directory with no valid record
// yields the sentinel commit.
func Open(dir string, cfg *config.Config, logger log.Logger) (*Log, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if logger == nil {
		logger = log.GetDefaultLogger().WithField("component", "commitlog")
	}

	l := &Log{
		cfg:    cfg,
		dir:    dir,
		logger: logger,
	}

	seqs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	current := Sentinel
	for _, seq := range seqs {
		c, err := l.replaySegment(seq, current)
		if err != nil {
			return nil, err
		}
		current = c
	}
	l.replay.Segments = uint64(len(seqs))

	next := uint64(0)
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1] + 1
	}

	f, err := os.OpenFile(l.segmentPath(next), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("commitlog: create segment %d: %w", next, err)
	}

	l.f = f
	l.seq = next
	l.seqs = append(seqs, next)
	l.current.Store(&current)

	// Seed the fresh segment with the recovered commit so older segments
	// become removable.
	if err := l.append(current); err != nil {
		f.Close()
		return nil, err
	}
	if err := l.f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("commitlog: sync segment %d: %w", next, err)
	}
	if err := l.cleanup(); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

// replaySegment reads records sequentially, accepting each record whose
// CRC validates and whose offsets do not regress relative to prev. It
// stops at the first invalid record: a corrupt tail is discarded state,
// not an error.
func (l *Log) replaySegment(seq uint64, prev Commit) (Commit, error) {
	f, err := os.Open(l.segmentPath(seq))
	if err != nil {
		return Commit{}, fmt.Errorf("commitlog: open segment %d: %w", seq, err)
	}
	defer f.Close()

	current := prev
	var buf [RecordSize]byte
	for {
		if _, err := io.ReadFull(f, buf[:]); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				return Commit{}, fmt.Errorf("commitlog: read segment %d: %w", seq, err)
			}
			if err == io.ErrUnexpectedEOF {
				l.logger.Warn("discarding torn record at tail of segment %d", seq)
				l.replay.Discarded++
			}
			return current, nil
		}

		c, err := parseRecord(buf[:])
		if err != nil {
			l.logger.Warn("discarding corrupt tail of segment %d: %v", seq, err)
			l.replay.Discarded++
			return current, nil
		}
		if c.DataOffset < current.DataOffset || c.IndexOffset < current.IndexOffset {
			l.logger.Warn("discarding non-monotonic record in segment %d", seq)
			l.replay.Discarded++
			return current, nil
		}
		current = c
		l.replay.Accepted++
	}
}

// Replay reports what Open found in the pre-existing segments.
func (l *Log) Replay() ReplayStats {
	return l.replay
}

func (l *Log) segmentPath(seq uint64) string {
	return filepath.Join(l.dir, segmentPrefix+strconv.FormatUint(seq, 10))
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("commitlog: read dir: %w", err)
	}

	var seqs []uint64
	for _, e := range entries {
		suffix, found := strings.CutPrefix(e.Name(), segmentPrefix)
		if !found {
			continue
		}
		seq, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Current returns the latest committed state.
func (l *Log) Current() Commit {
	return *l.current.Load()
}

// Commit makes c the new visible state: rotate if needed, append, sync
// per the configured mode, publish.
func (l *Log) Commit(c Commit) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.rotateIfNeeded(); err != nil {
		return err
	}
	if err := l.append(c); err != nil {
		return err
	}

	l.commits++
	if l.shouldSync() {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("commitlog: sync segment %d: %w", l.seq, err)
		}
	}

	l.current.Store(&c)
	return nil
}

func (l *Log) shouldSync() bool {
	switch l.cfg.SyncMode {
	case config.SyncImmediate:
		return true
	case config.SyncBatch:
		return l.cfg.SyncEvery > 0 && l.commits%l.cfg.SyncEvery == 0
	default:
		return false
	}
}

// append writes the record without publishing it. Caller holds mu.
func (l *Log) append(c Commit) error {
	if _, err := l.f.Write(c.marshal()); err != nil {
		return fmt.Errorf("commitlog: append to segment %d: %w", l.seq, err)
	}
	l.size += RecordSize
	return nil
}

func (l *Log) rotateIfNeeded() error {
	if l.size+RecordSize <= l.cfg.LogSegmentSize {
		return nil
	}

	next := l.seq + 1
	f, err := os.OpenFile(l.segmentPath(next), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("commitlog: create segment %d: %w", next, err)
	}

	l.f.Close()
	l.f = f
	l.seq = next
	l.size = 0
	l.seqs = append(l.seqs, next)
	l.logger.Debug("rotated to segment %d", next)

	return l.cleanup()
}

// cleanup removes segments older than the retention count. Caller holds
// mu (or is Open).
func (l *Log) cleanup() error {
	for len(l.seqs) > l.cfg.LogRetainSegments {
		seq := l.seqs[0]
		if err := os.Remove(l.segmentPath(seq)); err != nil {
			return fmt.Errorf("commitlog: remove segment %d: %w", seq, err)
		}
		l.seqs = l.seqs[1:]
		l.logger.Debug("removed segment %d", seq)
	}
	return nil
}

// Sync flushes the active segment regardless of the sync mode.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("commitlog: sync segment %d: %w", l.seq, err)
	}
	return nil
}

// Close releases the active segment handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}
