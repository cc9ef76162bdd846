// Package runner wires the watchdog and its supporting services together
// and owns their lifecycle.
package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mickyco94/gamemon/internal/executor"
	"github.com/mickyco94/gamemon/internal/metrics"
	"github.com/mickyco94/gamemon/internal/server"
	"github.com/mickyco94/gamemon/internal/watchdog"
	"github.com/mickyco94/gamemon/internal/watcher"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned when another daemon holds the lock file
var ErrAlreadyRunning = errors.New("gamemon is already running")

// filePollInterval is how often the config file watcher polls
var filePollInterval = time.Millisecond * 500

type Runner struct {
	logger   logrus.FieldLogger
	settings *config.Settings

	actions  *executor.Actions
	pool     *executor.Pool
	process  *watcher.Process
	watchdog *watchdog.Reconciler
	file     *watcher.File
	cron     *watcher.Cron
	server   *server.Server

	watching  bool
	scheduled bool
}

// New constructs every component from settings. Nothing is started.
func New(logger logrus.FieldLogger, settings *config.Settings) *Runner {
	shell := executor.NewShell()
	shell.Shell = settings.Shell
	shell.Timeout = settings.CommandTimeout

	runner := &Runner{
		logger:   logger,
		settings: settings,
		actions:  executor.NewActions(logger, shell),
		pool:     executor.NewPool(logger, settings.PoolSize),
		process: watcher.NewProcess(
			logger,
			watcher.SourceFor(settings.Scanner),
			watcher.MatcherFor(settings.MatchMode),
		),
		file: watcher.NewFile(logger),
		cron: watcher.NewCron(logger),
	}

	runner.watchdog = watchdog.New(
		logger,
		config.NewFileLoader(settings.Config),
		runner.process,
		runner.actions,
		watchdog.WithInterval(settings.PollInterval),
		watchdog.WithMaxScanFailures(settings.MaxScanFailures),
	)

	if settings.Listen != "" {
		runner.server = server.New(logger, runner.watchdog, runner, metrics.Handler())
	}

	return runner
}

// Lock takes the single instance lock at path
func Lock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create lock dir")
	}

	l := flock.New(path)

	locked, err := l.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire lock")
	}

	if !locked {
		return nil, errors.Wrap(ErrAlreadyRunning, path)
	}

	return l, nil
}

// Run starts the daemon and blocks until ctx is done or the watchdog hits
// a fatal error, then shuts everything down. Active monitors have their
// end commands run before Run returns.
func (runner *Runner) Run(ctx context.Context) error {
	lock, err := Lock(runner.settings.LockFile)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		runner.logger.WithError(err).Warn("Failed to register metrics")
	}

	if err := runner.setup(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runner.pool.Start()

	watchdogErr := make(chan error, 1)
	go func() {
		watchdogErr <- runner.watchdog.Run(runCtx)
	}()

	fileClosedChan := make(chan struct{})
	if runner.watching {
		go func() {
			err := runner.file.Run(filePollInterval)
			if err != nil {
				runner.logger.WithError(err).Error("Config watcher stopped")
				close(fileClosedChan)
			}
		}()
	}

	if runner.scheduled {
		go runner.cron.Run()
	}

	serverClosedChan := make(chan struct{})
	if runner.server != nil {
		go func() {
			err := runner.server.Serve(runCtx, runner.settings.Listen)
			if err != nil {
				runner.logger.WithError(err).Error("Control server stopped")
				close(serverClosedChan)
			}
		}()
	}

	var result error

	select {
	case <-ctx.Done():
		runner.logger.Info("Received signal, shutting down")
	case err := <-watchdogErr:
		result = err
		if err != nil {
			runner.logger.WithError(err).Error("Watchdog failed, shutting down")
		}
	case <-fileClosedChan:
		runner.logger.Error("Config watcher failed unexpectedly, shutting down")
	case <-serverClosedChan:
		runner.logger.Error("Control server failed unexpectedly, shutting down")
	}

	cancel()
	runner.shutdown()

	return result
}

// setup registers the config watcher and status schedule
func (runner *Runner) setup() error {
	if runner.settings.WatchConfig {
		err := runner.file.HandleFunc(runner.settings.Config, runner.watchdog.Poke)
		if err != nil {
			runner.logger.WithError(err).Warn("Unable to watch config, changes apply on the next poll")
		} else {
			runner.watching = true
		}
	}

	if runner.settings.StatusSchedule != "" {
		err := runner.cron.HandleFunc(runner.settings.StatusSchedule, runner.logStatus)
		if err != nil {
			return errors.Wrapf(err, "invalid status_schedule %q", runner.settings.StatusSchedule)
		}
		runner.scheduled = true
	}

	return nil
}

func (runner *Runner) logStatus() {
	active := runner.watchdog.Active()

	runner.logger.WithField("active", len(active)).Info("Watchdog status")

	for _, status := range active {
		runner.logger.
			WithField("entry", status.Name).
			WithField("executable", status.Executable).
			WithField("since", status.Since.Format(time.RFC3339)).
			WithField("stopping", status.Stopping).
			Info("Monitoring")
	}
}

// Trigger queues an entry's start or end commands on the pool, outside of
// any presence episode.
func (runner *Runner) Trigger(ctx context.Context, name string, phase executor.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry, err := lookup(runner.settings.Config, name)
	if err != nil {
		return err
	}

	runner.logger.
		WithField("entry", entry.Name).
		WithField("phase", phase).
		Info("Queueing requested commands")

	return runner.pool.Enqueue(executor.Job{
		Service:  entry.Name,
		Executor: runner.actions.Executor(entry.Name, phase, commandsFor(entry, phase)),
	})
}

func (runner *Runner) shutdown() {
	wg := &sync.WaitGroup{}
	shutdownCtx, done := context.WithTimeout(context.Background(), runner.settings.ShutdownTimeout)
	defer done()

	if runner.watching {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := runner.file.Stop(shutdownCtx)
			if err != nil {
				runner.logger.WithError(err).Error("Config watcher failed to shutdown")
			}
		}()
	}

	if runner.scheduled {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := runner.cron.Stop(shutdownCtx)
			if err != nil {
				runner.logger.WithError(err).Error("Cron failed to shutdown")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		err := runner.watchdog.Shutdown(shutdownCtx)
		if err != nil {
			runner.logger.WithError(err).Error("Monitors failed to finish end commands")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		err := runner.pool.Stop(shutdownCtx)
		if err != nil {
			runner.logger.WithError(err).Error("Executors failed to shutdown")
		}
	}()

	wg.Wait()
	runner.logger.Info("Shutdown complete")
}

func lookup(path, name string) (config.Entry, error) {
	snap, err := config.Load(path)
	if err != nil {
		return config.Entry{}, err
	}

	entry, ok := snap.Lookup(name)
	if !ok {
		return config.Entry{}, errors.Wrap(config.ErrUnknownEntry, name)
	}

	return entry, nil
}

func commandsFor(entry config.Entry, phase executor.Phase) []string {
	if phase == executor.End {
		return entry.EndCommands
	}
	return entry.StartCommands
}
