// Package engine exposes the database layer: a directory of named series
// with create/open/list lifecycle. Each series is served by exactly one
// exclusively-owned handle, created lazily on first access.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MilliDB/milli/pkg/common/log"
	"github.com/MilliDB/milli/pkg/config"
	"github.com/MilliDB/milli/pkg/series"
	"github.com/MilliDB/milli/pkg/stats"
)

var (
	ErrSeriesExists   = errors.New("engine: series already exists")
	ErrSeriesNotFound = errors.New("engine: series not found")
	ErrInvalidName    = errors.New("engine: invalid series name")
	ErrClosed         = errors.New("engine: closed")
)

// Engine maps series names to their handles under one root directory.
// The series set is the directory listing; there is no catalog file.
type Engine struct {
	root      string
	cfg       *config.Config
	logger    log.Logger
	collector stats.Collector

	mu     sync.Mutex
	series map[string]*series.Series
	closed bool
}

// Options configure an engine; nil fields select defaults.
type Options struct {
	Config    *config.Config
	Logger    log.Logger
	Collector stats.Collector
}

// Open creates the root directory if needed and returns an engine over
// it. Series handles open lazily on first access.
func Open(root string, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	collector := opts.Collector
	if collector == nil {
		collector = stats.NewCollector()
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("engine: create root: %w", err)
	}

	return &Engine{
		root:      root,
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		series:    make(map[string]*series.Series),
	}, nil
}

// validateName rejects names that would escape the root directory or
// collide with path syntax. Beyond that, names are opaque.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, os.PathSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create makes a new empty series: directory, the three initial files and
// the sentinel commit.
func (e *Engine) Create(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	dir := filepath.Join(e.root, name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %q", ErrSeriesExists, name)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("engine: stat %q: %w", name, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("engine: create series dir: %w", err)
	}

	s, err := series.Open(dir, e.cfg, e.logger, e.collector)
	if err != nil {
		return err
	}
	e.series[name] = s

	e.collector.TrackOperation(stats.OpCreateSeries)
	e.logger.Info("created series %q", name)
	return nil
}

// OpenSeries returns the handle for an existing series, opening it on
// first access.
func (e *Engine) OpenSeries(name string) (*series.Series, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	if s, ok := e.series[name]; ok {
		return s, nil
	}

	dir := filepath.Join(e.root, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrSeriesNotFound, name)
		}
		return nil, fmt.Errorf("engine: stat %q: %w", name, err)
	}

	s, err := series.Open(dir, e.cfg, e.logger, e.collector)
	if err != nil {
		return nil, err
	}
	e.series[name] = s

	e.collector.TrackOperation(stats.OpOpenSeries)
	return s, nil
}

// List enumerates series names in ascending order. A directory counts as
// a series once its data file exists.
func (e *Engine) List() ([]string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("engine: read root: %w", err)
	}

	var names []string
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		dataPath := filepath.Join(e.root, dirEntry.Name(), series.DataFileName)
		if _, err := os.Stat(dataPath); err == nil {
			names = append(names, dirEntry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stats returns the engine-wide statistics.
func (e *Engine) Stats() map[string]interface{} {
	return e.collector.GetStats()
}

// Close closes every open series handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for name, s := range e.series {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: close series %q: %w", name, err)
		}
	}
	e.series = nil
	return firstErr
}
