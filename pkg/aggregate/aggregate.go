// Package aggregate folds a scanned entry stream into buckets and
// computes per-bucket aggregations in a single pass.
package aggregate

import (
	"errors"
	"fmt"
	"math"

	"github.com/MilliDB/milli/pkg/common/iterator"
)

// Kind selects an aggregation over the values of one bucket.
type Kind int

const (
	Mean Kind = iota
	Min
	Max
)

var ErrUnknownKind = errors.New("aggregate: unknown aggregator kind")

func (k Kind) String() string {
	switch k {
	case Mean:
		return "mean"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindFromName parses an aggregator name such as "mean".
func KindFromName(name string) (Kind, error) {
	switch name {
	case "mean":
		return Mean, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

// BucketFunc maps a timestamp to its bucket key. It must be monotone
// non-decreasing in ts; entries arrive in timestamp order, so each bucket
// is contiguous in the stream.
type BucketFunc func(ts int64) int64

// Row is one emitted bucket. Values holds the finalized aggregations in
// the order the caller supplied the kinds.
type Row struct {
	Bucket int64
	Values []float64
}

// state accumulates one aggregator across the current bucket.
type state struct {
	kind  Kind
	sum   float64
	count uint64
	min   float64
	max   float64
}

func seedState(kind Kind) state {
	return state{kind: kind, min: math.MaxFloat64, max: -math.MaxFloat64}
}

func (s *state) update(value float64) {
	switch s.kind {
	case Mean:
		s.sum += value
		s.count++
	case Min:
		s.min = math.Min(s.min, value)
	case Max:
		s.max = math.Max(s.max, value)
	}
}

func (s *state) complete() float64 {
	var result float64
	switch s.kind {
	case Mean:
		result = s.sum / float64(s.count)
	case Min:
		result = s.min
	case Max:
		result = s.max
	}
	*s = seedState(s.kind)
	return result
}

// GroupBy consumes an entry iterator and emits one Row per bucket, in
// encounter order, stopping after the configured row limit.
type GroupBy struct {
	it      iterator.EntryIterator
	bucket  BucketFunc
	states  []state
	limit   int
	emitted int

	row     Row
	pending bool // an entry for the next bucket is parked in pendKey/pendVal
	pendKey int64
	pendVal float64
	err     error
	done    bool
}

// NewGroupBy builds the folding iterator. limit caps the emitted rows,
// 0 meaning no cap. Closing the GroupBy closes the underlying iterator.
func NewGroupBy(it iterator.EntryIterator, bucket BucketFunc, kinds []Kind, limit int) *GroupBy {
	states := make([]state, len(kinds))
	for i, kind := range kinds {
		states[i] = seedState(kind)
	}
	return &GroupBy{
		it:     it,
		bucket: bucket,
		states: states,
		limit:  limit,
	}
}

// Next folds entries until the current bucket ends, reporting false when
// the stream is exhausted, the limit is reached or an error occurs.
func (g *GroupBy) Next() bool {
	if g.err != nil || g.done {
		return false
	}
	if g.limit > 0 && g.emitted >= g.limit {
		g.done = true
		return false
	}

	var key int64
	var seen bool

	if g.pending {
		g.pending = false
		key = g.pendKey
		seen = true
		g.fold(g.pendVal)
	}

	for g.it.Next() {
		e := g.it.Entry()
		b := g.bucket(e.Ts)
		if !seen {
			key = b
			seen = true
			g.fold(e.Value)
			continue
		}
		if b != key {
			g.pending = true
			g.pendKey = b
			g.pendVal = e.Value
			g.emit(key)
			return true
		}
		g.fold(e.Value)
	}

	if err := g.it.Err(); err != nil {
		g.err = err
		return false
	}

	g.done = true
	if seen {
		g.emit(key)
		return true
	}
	return false
}

func (g *GroupBy) fold(value float64) {
	for i := range g.states {
		g.states[i].update(value)
	}
}

func (g *GroupBy) emit(key int64) {
	values := make([]float64, len(g.states))
	for i := range g.states {
		values[i] = g.states[i].complete()
	}
	g.row = Row{Bucket: key, Values: values}
	g.emitted++
}

// Row returns the current row. Only valid after a true Next.
func (g *GroupBy) Row() Row { return g.row }

// Err returns the error that terminated iteration, if any.
func (g *GroupBy) Err() error { return g.err }

// Close closes the underlying entry iterator.
func (g *GroupBy) Close() error { return g.it.Close() }
