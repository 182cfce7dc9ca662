// Package engine manages a directory of named indexes and dispatches
// operations to them through the shared Index capability. It is the
// layer the maintenance CLI and the stress driver talk to.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"ridgedb/pkg/btree"
	"ridgedb/pkg/config"
	"ridgedb/pkg/exhash"
	"ridgedb/pkg/index"
	"ridgedb/pkg/lsm"
	"ridgedb/pkg/page"
)

// Engine holds the open indexes of one data directory. Each index lives
// in its own subdirectory (or page file) named after it.
type Engine struct {
	baseDir string
	cfg     config.Config
	logger  *slog.Logger

	mu      sync.RWMutex
	indexes map[string]*namedIndex
	closed  bool
}

type namedIndex struct {
	kind index.Type
	ix   index.Index

	// store backs a B-Tree index. btree.Close leaves the page store to
	// its owner, so the engine closes it after the index.
	store page.Store
}

// Open prepares an engine over baseDir, creating it if needed. Existing
// indexes are not opened eagerly; Create reattaches them by name.
func Open(baseDir string, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrInvalidArgument, err)
	}
	if err := os.MkdirAll(baseDir, 0o775); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %v", index.ErrIO, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		baseDir: baseDir,
		cfg:     cfg,
		logger:  logger,
		indexes: make(map[string]*namedIndex),
	}, nil
}

// Create opens an index of the given kind under the engine's data
// directory, creating its backing files on first use. Creating a name
// that is already open is an error regardless of kind.
func (e *Engine) Create(name string, kind index.Type) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return index.ErrClosed
	}
	if _, exists := e.indexes[name]; exists {
		return fmt.Errorf("%w: index %q already open", index.ErrInvalidArgument, name)
	}
	var (
		ix    index.Index
		store page.Store
		err   error
	)
	switch kind {
	case index.BTreeType:
		store, err = page.OpenFileStore(filepath.Join(e.baseDir, name+".pages"))
		if err == nil {
			ix, err = btree.Open(store, e.cfg)
			if err != nil {
				store.Close()
			}
		}
	case index.LsmType:
		ix, err = lsm.Open(filepath.Join(e.baseDir, name), e.cfg, lsm.WithLogger(e.logger))
	case index.HashType:
		ix, err = exhash.New(e.cfg, exhash.WithLogger(e.logger))
	default:
		return fmt.Errorf("%w: unknown index kind %q", index.ErrInvalidArgument, kind)
	}
	if err != nil {
		return err
	}
	e.indexes[name] = &namedIndex{kind: kind, ix: ix, store: store}
	e.logger.Info("index opened", "name", name, "kind", kind)
	return nil
}

// Get returns the open index registered under name.
func (e *Engine) Get(name string) (index.Index, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, index.ErrClosed
	}
	ni, ok := e.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: no index %q", index.ErrNotFound, name)
	}
	return ni.ix, nil
}

// Kind reports the registered kind of a named index.
func (e *Engine) Kind(name string) (index.Type, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ni, ok := e.indexes[name]
	if !ok {
		return "", fmt.Errorf("%w: no index %q", index.ErrNotFound, name)
	}
	return ni.kind, nil
}

// Names lists the open indexes.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.indexes))
	for name := range e.indexes {
		names = append(names, name)
	}
	return names
}

// Drop closes an index and removes its backing files.
func (e *Engine) Drop(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return index.ErrClosed
	}
	ni, ok := e.indexes[name]
	if !ok {
		return fmt.Errorf("%w: no index %q", index.ErrNotFound, name)
	}
	delete(e.indexes, name)
	if err := ni.ix.Close(); err != nil {
		return err
	}
	if ni.store != nil {
		if err := ni.store.Close(); err != nil {
			return err
		}
	}
	switch ni.kind {
	case index.BTreeType:
		return os.Remove(filepath.Join(e.baseDir, name+".pages"))
	case index.LsmType:
		return os.RemoveAll(filepath.Join(e.baseDir, name))
	}
	return nil
}

// Close closes every open index, keeping the first error.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var firstErr error
	for name, ni := range e.indexes {
		if err := ni.ix.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing index %q: %w", name, err)
		}
		if ni.store == nil {
			continue
		}
		if err := ni.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing index %q page store: %w", name, err)
		}
	}
	e.indexes = make(map[string]*namedIndex)
	return firstErr
}
