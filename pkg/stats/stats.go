// Package stats collects operation counters for the storage engine with
// minimal contention.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpAppend       OperationType = "append"
	OpScan         OperationType = "scan"
	OpAggregate    OperationType = "aggregate"
	OpCreateSeries OperationType = "create_series"
	OpOpenSeries   OperationType = "open_series"
	OpCommit       OperationType = "commit"
)

// Provider exposes collected statistics.
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}
}

// Collector is the interface engine components report through.
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackEntries records the outcome of one append batch
	TrackEntries(written, filtered uint64)

	// TrackBlock increments the written-block counter
	TrackBlock()

	// StartRecovery marks the beginning of a series recovery
	StartRecovery() time.Time

	// FinishRecovery completes recovery statistics
	FinishRecovery(start time.Time, segments, records, discarded uint64)
}

// RecoveryStats tracks commit-log replay outcomes.
type RecoveryStats struct {
	SegmentsScanned  atomic.Uint64
	RecordsAccepted  atomic.Uint64
	RecordsDiscarded atomic.Uint64
	DurationNs       atomic.Uint64
}

// AtomicCollector implements Collector with atomic counters.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // guards the map; the counters themselves are atomic

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64
	entriesWritten    atomic.Uint64
	entriesFiltered   atomic.Uint64
	blocksWritten     atomic.Uint64

	recovery RecoveryStats
}

// NewCollector creates a new AtomicCollector.
func NewCollector() *AtomicCollector {
	return &AtomicCollector{
		counts: make(map[OperationType]*atomic.Uint64),
		errors: make(map[string]*atomic.Uint64),
	}
}

// TrackOperation records a single operation
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.counter(op).Add(1)
}

func (c *AtomicCollector) counter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, ok := c.counts[op]
	c.countsMu.RUnlock()
	if ok {
		return counter
	}

	c.countsMu.Lock()
	defer c.countsMu.Unlock()
	if counter, ok = c.counts[op]; !ok {
		counter = &atomic.Uint64{}
		c.counts[op] = counter
	}
	return counter
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, ok := c.errors[errorType]
	c.errorsMu.RUnlock()
	if !ok {
		c.errorsMu.Lock()
		if counter, ok = c.errors[errorType]; !ok {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}
	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackEntries records the outcome of one append batch
func (c *AtomicCollector) TrackEntries(written, filtered uint64) {
	c.entriesWritten.Add(written)
	c.entriesFiltered.Add(filtered)
}

// TrackBlock increments the written-block counter
func (c *AtomicCollector) TrackBlock() {
	c.blocksWritten.Add(1)
}

// StartRecovery marks the beginning of a series recovery
func (c *AtomicCollector) StartRecovery() time.Time {
	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(start time.Time, segments, records, discarded uint64) {
	c.recovery.SegmentsScanned.Add(segments)
	c.recovery.RecordsAccepted.Add(records)
	c.recovery.RecordsDiscarded.Add(discarded)
	c.recovery.DurationNs.Add(uint64(time.Since(start).Nanoseconds()))
}

// GetStats returns all statistics
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats["ops."+string(op)] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.errorsMu.RLock()
	for errType, counter := range c.errors {
		stats["errors."+errType] = counter.Load()
	}
	c.errorsMu.RUnlock()

	stats["bytes_read"] = c.totalBytesRead.Load()
	stats["bytes_written"] = c.totalBytesWritten.Load()
	stats["entries_written"] = c.entriesWritten.Load()
	stats["entries_filtered"] = c.entriesFiltered.Load()
	stats["blocks_written"] = c.blocksWritten.Load()

	stats["recovery.segments_scanned"] = c.recovery.SegmentsScanned.Load()
	stats["recovery.records_accepted"] = c.recovery.RecordsAccepted.Load()
	stats["recovery.records_discarded"] = c.recovery.RecordsDiscarded.Load()

	return stats
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
