package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// ErrFatal marks a config failure that should stop the watchdog rather than
// skip a single cycle.
var ErrFatal = errors.New("unrecoverable config error")

// ErrMalformed marks an entries file that could be read but not decoded
var ErrMalformed = errors.New("malformed config")

// ErrUnknownEntry is returned when no entry has the requested name
var ErrUnknownEntry = errors.New("unknown entry")

// Loader produces a fresh snapshot of the configured entries
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Load reads the entries file at path. A missing or empty file is an empty
// snapshot, not an error.
func Load(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Snapshot{}, nil
		}
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	raw := &Raw{}
	if err := raw.Parse(file, FormatOf(path)); err != nil {
		return nil, errors.Wrap(err, path)
	}

	return raw.Snapshot(), nil
}

// Save writes raw to path in the format implied by its extension,
// creating parent directories as needed.
func Save(path string, raw *Raw) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create config dir")
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer file.Close()

	return raw.Encode(file, FormatOf(path))
}

// FileLoader loads the entries file from disk on every call.
//
// A malformed file on the very first load is reported as ErrFatal, since
// the daemon has never had a usable configuration. Once a load has
// succeeded, later failures are returned as-is and treated as transient.
// Files that cannot be read are never fatal. The cause stays in the chain
// either way.
type FileLoader struct {
	Path string

	mu     sync.Mutex
	loaded bool
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

func (l *FileLoader) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap, err := Load(l.Path)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		if !l.loaded && errors.Is(err, ErrMalformed) {
			return nil, mark(ErrFatal, err)
		}
		return nil, err
	}

	l.loaded = true
	return snap, nil
}

// markedError tags err with a sentinel while keeping err in the chain
type markedError struct {
	sentinel error
	err      error
}

func mark(sentinel, err error) error {
	return &markedError{sentinel: sentinel, err: err}
}

func (e *markedError) Error() string { return e.err.Error() }

func (e *markedError) Unwrap() []error { return []error{e.sentinel, e.err} }
