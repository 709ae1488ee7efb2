// Package series implements the storage engine for one series: the
// append path (batch -> block -> index record -> commit) and the scan
// path (commit snapshot -> index search -> block stream).
//
// Appends are serialized by a per-series lock. Scans hold it only to check
// that the handle is open, so a scan started while an append is running
// waits for that append to finish. A scan then snapshots the latest commit
// and reads only bytes below its offsets, so it observes either all of an
// append or none of it.
package series

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/MilliDB/milli/pkg/aggregate"
	"github.com/MilliDB/milli/pkg/block"
	"github.com/MilliDB/milli/pkg/codec"
	"github.com/MilliDB/milli/pkg/commitlog"
	"github.com/MilliDB/milli/pkg/common/iterator"
	"github.com/MilliDB/milli/pkg/common/log"
	"github.com/MilliDB/milli/pkg/config"
	"github.com/MilliDB/milli/pkg/entry"
	"github.com/MilliDB/milli/pkg/index"
	"github.com/MilliDB/milli/pkg/stats"
)

const (
	// DataFileName is the block file of a series directory.
	DataFileName = "series.dat"
	// IndexFileName is the sparse index file of a series directory.
	IndexFileName = "series.idx"
)

var ErrClosed = errors.New("series: closed")

// AppendResult reports how much of a batch became visible.
type AppendResult struct {
	EntriesWritten int
}

// Series owns the three file families of one series directory. A handle
// is exclusive: the database layer hands out at most one per directory.
type Series struct {
	dir       string
	cfg       *config.Config
	logger    log.Logger
	collector stats.Collector
	kind      codec.Kind

	mu       sync.Mutex // append lock, held across steps 1-6 of an append
	log      *commitlog.Log
	idx      *index.Index
	idxFile  *os.File
	dataFile *os.File
	writer   *block.Writer
	appends  int
	closed   bool
}

// Open opens (or finishes creating) the series stored in dir. Recovery is
// implicit: the commit log decides the visible state and everything past
// it is ignored. cfg, logger and collector may be nil for defaults.
func Open(dir string, cfg *config.Config, logger log.Logger, collector stats.Collector) (*Series, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if collector == nil {
		collector = stats.NewCollector()
	}
	logger = logger.WithField("series", filepath.Base(dir))

	kind, err := codec.KindFromName(cfg.Compression)
	if err != nil {
		return nil, err
	}

	recoveryStart := collector.StartRecovery()
	clog, err := commitlog.Open(dir, cfg, logger)
	if err != nil {
		return nil, err
	}
	replay := clog.Replay()
	collector.FinishRecovery(recoveryStart, replay.Segments, replay.Accepted, replay.Discarded)

	current := clog.Current()
	if replay.Discarded > 0 {
		logger.Info("recovered at data_offset=%d index_offset=%d after discarding %d record(s)",
			current.DataOffset, current.IndexOffset, replay.Discarded)
	}

	dataFile, err := os.OpenFile(filepath.Join(dir, DataFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		clog.Close()
		return nil, fmt.Errorf("series: open data file: %w", err)
	}

	idxFile, err := os.OpenFile(filepath.Join(dir, IndexFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		dataFile.Close()
		clog.Close()
		return nil, fmt.Errorf("series: open index file: %w", err)
	}

	idx, err := index.Open(idxFile, current.IndexOffset, cfg.IndexChunkRecords)
	if err != nil {
		idxFile.Close()
		dataFile.Close()
		clog.Close()
		return nil, err
	}

	return &Series{
		dir:       dir,
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		kind:      kind,
		log:       clog,
		idx:       idx,
		idxFile:   idxFile,
		dataFile:  dataFile,
		writer:    block.NewWriter(dataFile, current.DataOffset),
	}, nil
}

// Current returns the latest committed state.
func (s *Series) Current() commitlog.Commit {
	return s.log.Current()
}

// Append makes a batch visible. The batch is stable-sorted by timestamp
// and entries older than the committed highest timestamp are dropped
// (equal timestamps are kept). Nothing is written for an empty remainder.
//
// Oversized batches are split into several blocks, each published by its
// own commit; a failure leaves every fully committed block visible.
func (s *Series) Append(batch []entry.Entry) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return AppendResult{}, ErrClosed
	}

	s.collector.TrackOperation(stats.OpAppend)

	highest := s.log.Current().HighestTs
	ordered := make([]entry.Entry, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Ts < ordered[j].Ts })

	keep := 0
	for keep < len(ordered) && ordered[keep].Ts < highest {
		keep++
	}
	ordered = ordered[keep:]
	filtered := uint64(keep)

	if len(ordered) == 0 {
		s.collector.TrackEntries(0, filtered)
		return AppendResult{}, nil
	}

	written := 0
	for len(ordered) > 0 {
		chunk := ordered
		if len(chunk) > s.cfg.MaxEntriesPerBlock {
			chunk = chunk[:s.cfg.MaxEntriesPerBlock]
		}
		if err := s.appendBlock(chunk); err != nil {
			s.collector.TrackError("append")
			s.collector.TrackEntries(uint64(written), filtered)
			return AppendResult{EntriesWritten: written}, err
		}
		written += len(chunk)
		ordered = ordered[len(chunk):]
	}

	s.collector.TrackEntries(uint64(written), filtered)
	return AppendResult{EntriesWritten: written}, nil
}

// appendBlock runs steps 2-6 of the append protocol for one block.
// Caller holds mu.
func (s *Series) appendBlock(chunk []entry.Entry) error {
	current := s.log.Current()
	highest := chunk[len(chunk)-1].Ts

	// A prior failed append may have left the writer past the committed
	// offset; its garbage is invisible and gets overwritten here.
	s.writer.Reset(current.DataOffset)

	indexOffset, err := s.idx.Append(current.IndexOffset, highest, current.DataOffset)
	if err != nil {
		return err
	}

	dataOffset, err := s.writer.Append(chunk, s.kind)
	if err != nil {
		return err
	}

	s.appends++
	if s.shouldSync() {
		if err := s.writer.Sync(); err != nil {
			return err
		}
		if err := s.idx.Sync(); err != nil {
			return err
		}
	}

	if err := s.log.Commit(commitlog.Commit{
		DataOffset:  dataOffset,
		IndexOffset: indexOffset,
		HighestTs:   highest,
	}); err != nil {
		return err
	}

	s.collector.TrackOperation(stats.OpCommit)
	s.collector.TrackBlock()
	s.collector.TrackBytes(true, uint64(dataOffset-current.DataOffset)+index.RecordSize)
	return nil
}

func (s *Series) shouldSync() bool {
	switch s.cfg.SyncMode {
	case config.SyncImmediate:
		return true
	case config.SyncBatch:
		return s.cfg.SyncEvery > 0 && s.appends%s.cfg.SyncEvery == 0
	default:
		return false
	}
}

// Scan returns a lazy iterator over committed entries with ts >= fromTs.
// The iterator sees the commit state as of this call; concurrent appends
// are invisible to it. The caller must Close it.
func (s *Series) Scan(fromTs int64) (iterator.EntryIterator, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	s.collector.TrackOperation(stats.OpScan)

	current := s.log.Current()
	if current.IndexOffset == 0 {
		return iterator.Slice(nil, fromTs), nil
	}

	startOffset, ok, err := s.idx.CeilingOffset(fromTs, current.IndexOffset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return iterator.Slice(nil, fromTs), nil
	}

	f, err := os.Open(filepath.Join(s.dir, DataFileName))
	if err != nil {
		return nil, fmt.Errorf("series: open data file for scan: %w", err)
	}
	reader, err := block.NewReader(f, startOffset)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Iterator{
		f:      f,
		reader: reader,
		offset: startOffset,
		size:   current.DataOffset,
		fromTs: fromTs,
	}, nil
}

// Aggregate scans from fromTs and folds entries into buckets, computing
// the requested aggregators per bucket. limit caps the emitted rows,
// 0 meaning no cap.
func (s *Series) Aggregate(fromTs int64, bucket aggregate.BucketFunc, kinds []aggregate.Kind, limit int) (*aggregate.GroupBy, error) {
	it, err := s.Scan(fromTs)
	if err != nil {
		return nil, err
	}
	s.collector.TrackOperation(stats.OpAggregate)
	return aggregate.NewGroupBy(it, bucket, kinds, limit), nil
}

func (s *Series) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the write-side handles. Iterators already handed out
// keep their own read handles and stay usable.
func (s *Series) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, closer := range []func() error{
		s.idx.Close,
		s.idxFile.Close,
		s.dataFile.Close,
		s.log.Close,
	} {
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
