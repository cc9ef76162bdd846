package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	filewatcher "github.com/radovskyb/watcher"
	"github.com/sirupsen/logrus"
)

var (
	ErrFileWatcherAlreadyClosed  = errors.New("Already stopped")
	ErrFileWatcherAlreadyRunning = errors.New("Already running")
)

// NewFile creates a watcher for changes to a single file. The parent
// directory is watched so that files which do not exist yet, or which
// editors replace by renaming, are still seen.
func NewFile(logger logrus.FieldLogger) *File {
	watcher := filewatcher.New()
	watcher.IgnoreHiddenFiles(false)
	watcher.FilterOps(
		filewatcher.Create,
		filewatcher.Write,
		filewatcher.Remove,
		filewatcher.Rename,
		filewatcher.Move,
	)

	return &File{
		close: make(chan struct{}),
		done:  make(chan struct{}),

		logger:  logger,
		watcher: watcher,
	}
}

type fileEntry struct {
	// path is the cleaned absolute path of the watched file
	path string
	// handler will be executed when a match is found
	handler func()
}

type File struct {
	runningMu sync.Mutex
	isRunning bool
	stopped   bool
	close     chan struct{}
	done      chan struct{}

	logger logrus.FieldLogger

	entries []fileEntry
	watcher *filewatcher.Watcher
}

// HandleFunc registers handler to be called whenever the file at path is
// created, written, removed or renamed.
func (file *File) HandleFunc(path string, handler func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := file.watcher.Add(dir); err != nil {
		return err
	}

	file.entries = append(file.entries, fileEntry{
		path:    abs,
		handler: handler,
	})

	return nil
}

func (entry fileEntry) matches(event filewatcher.Event) bool {
	return event.Path == entry.path || event.OldPath == entry.path
}

// Run blocks, polling for changes every pollingInterval until Stop is called.
func (file *File) Run(pollingInterval time.Duration) error {
	file.runningMu.Lock()

	if file.isRunning {
		file.runningMu.Unlock()
		return ErrFileWatcherAlreadyRunning
	}

	if file.stopped {
		file.runningMu.Unlock()
		return ErrFileWatcherAlreadyClosed
	}

	go func() {
		defer close(file.done)

		for {
			select {
			case <-file.close:
				file.shutdown()
				return
			case event, open := <-file.watcher.Event:
				if !open {
					return
				}

				for _, entry := range file.entries {
					if entry.matches(event) {
						file.logger.
							WithField("path", entry.path).
							WithField("op", event.Op.String()).
							Info("Config file changed")
						entry.handler()
					}
				}

			case err := <-file.watcher.Error:
				file.logger.WithError(err).Warn("Config watcher error")
			case <-file.watcher.Closed:
				return
			}
		}
	}()

	file.isRunning = true
	file.runningMu.Unlock()

	return file.watcher.Start(pollingInterval)
}

// shutdown closes the inner watcher, draining events it may be blocked
// sending until it reports closed.
func (file *File) shutdown() {
	go file.watcher.Close()

	for {
		select {
		case <-file.watcher.Event:
		case <-file.watcher.Error:
		case <-file.watcher.Closed:
			return
		}
	}
}

// Stop shuts the watcher down, waiting for the event loop to exit or ctx
// to be done. Stopping before Run makes a later Run return immediately.
func (file *File) Stop(ctx context.Context) error {
	file.runningMu.Lock()
	defer file.runningMu.Unlock()

	if file.stopped {
		return ErrFileWatcherAlreadyClosed
	}
	file.stopped = true

	if !file.isRunning {
		return nil
	}
	file.isRunning = false

	close(file.close)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-file.done:
		return nil
	}
}
