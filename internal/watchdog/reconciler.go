// Package watchdog reconciles the configured entries against the live
// process table and runs each entry's start and end commands once per
// presence episode.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mickyco94/gamemon/internal/executor"
	"github.com/mickyco94/gamemon/internal/metrics"
	"github.com/mickyco94/gamemon/internal/watcher"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the time between poll cycles
const DefaultInterval = 5 * time.Second

// ErrScanFailed is returned from Run once the process table could not be
// read for more consecutive cycles than allowed.
var ErrScanFailed = errors.New("process table unavailable")

// Scanner takes snapshots of the process table
type Scanner interface {
	Scan(ctx context.Context) (*watcher.Snapshot, error)
}

// Runner runs a command list
type Runner interface {
	Run(ctx context.Context, name string, phase executor.Phase, commands []string) executor.Report
}

// IsFatal reports whether err should stop the watchdog
func IsFatal(err error) bool {
	return errors.Is(err, config.ErrFatal) || errors.Is(err, ErrScanFailed)
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithInterval sets the poll interval
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMaxScanFailures makes the nth consecutive failed scan fatal. Zero
// means never give up.
func WithMaxScanFailures(n int) Option {
	return func(r *Reconciler) { r.maxScanFailures = n }
}

// Reconciler is the watchdog loop
type Reconciler struct {
	logger  logrus.FieldLogger
	loader  config.Loader
	scanner Scanner
	actions Runner

	interval        time.Duration
	maxScanFailures int

	table *table
	wg    sync.WaitGroup
	poke  chan struct{}

	// cmdCtx bounds every command started by a monitor. It is only
	// cancelled when a shutdown runs out of time.
	cmdCtx    context.Context
	cmdCancel context.CancelFunc

	cycleMu      sync.Mutex
	scanFailures int
	lastDropped  string
	stopped      bool
}

func New(
	logger logrus.FieldLogger,
	loader config.Loader,
	scanner Scanner,
	actions Runner,
	opts ...Option,
) *Reconciler {
	cmdCtx, cmdCancel := context.WithCancel(context.Background())

	r := &Reconciler{
		logger:    logger,
		loader:    loader,
		scanner:   scanner,
		actions:   actions,
		interval:  DefaultInterval,
		table:     newTable(),
		poke:      make(chan struct{}, 1),
		cmdCtx:    cmdCtx,
		cmdCancel: cmdCancel,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run reconciles immediately and then every interval, or sooner when
// poked, until ctx is done. It returns nil on cancellation and a fatal
// error otherwise. Active monitors are left running; call Shutdown to
// stop them.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.WithField("interval", r.interval).Info("Starting watchdog")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.poke:
			ticker.Reset(r.interval)
		}
	}
}

// Poke requests a cycle without waiting for the next tick
func (r *Reconciler) Poke() {
	select {
	case r.poke <- struct{}{}:
	default:
	}
}

// Reconcile runs a single poll cycle. Only fatal errors are returned, all
// others are logged and the cycle is skipped.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	if r.stopped {
		return nil
	}

	snap, err := r.loader.Load(ctx)
	if err != nil {
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		r.logger.WithError(err).Error("Failed to load config, skipping cycle")
		metrics.IncSkipped("config")
		return nil
	}

	r.reportDropped(snap)

	procs, err := r.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}

		r.scanFailures++
		if r.maxScanFailures > 0 && r.scanFailures >= r.maxScanFailures {
			return errors.Wrapf(ErrScanFailed, "%d consecutive scans failed, last: %v", r.scanFailures, err)
		}

		r.logger.
			WithError(err).
			WithField("failures", r.scanFailures).
			Warn("Failed to scan processes, skipping cycle")
		metrics.IncSkipped("scan")
		return nil
	}
	r.scanFailures = 0

	for _, entry := range snap.Entries {
		running := procs.Running(entry.Executable)
		m, monitored := r.table.get(entry.Key())

		switch {
		case running && !monitored:
			r.spawn(entry)
		case !running && monitored:
			r.signal(m, "Process stopped, sending termination signal")
		}
	}

	// Monitors whose entry was edited out of the config still end with
	// their process.
	for key, m := range r.table.items() {
		if !snap.Has(key) && !procs.Running(m.entry.Executable) {
			r.signal(m, "Process of removed entry stopped, sending termination signal")
		}
	}

	metrics.IncCycle()
	return nil
}

func (r *Reconciler) spawn(entry config.Entry) {
	m := &monitor{
		key:   entry.Key(),
		entry: entry,
		stop:  NewStopSignal(),
		since: time.Now(),
	}

	if !r.table.claim(m) {
		return
	}

	r.logger.
		WithField("entry", entry.Name).
		WithField("executable", entry.Executable).
		Info("Detected process is running, starting monitor")

	r.wg.Add(1)
	go r.watch(m)
}

func (r *Reconciler) signal(m *monitor, msg string) {
	logger := r.logger.
		WithField("entry", m.entry.Name).
		WithField("executable", m.entry.Executable)

	if m.stop.Fire() {
		logger.Info(msg)
		metrics.IncStopSignal("sent")
		return
	}

	logger.Debug("Termination signal already sent, monitor still finishing")
	metrics.IncStopSignal("already_sent")
}

func (r *Reconciler) reportDropped(snap *config.Snapshot) {
	var sig strings.Builder
	for _, d := range snap.Dropped {
		fmt.Fprintf(&sig, "%s|%s|%s;", d.Entry.Name, d.Entry.Executable, d.Reason)
	}

	if sig.String() == r.lastDropped {
		return
	}
	r.lastDropped = sig.String()

	for _, d := range snap.Dropped {
		r.logger.
			WithField("entry", d.Entry.Name).
			WithField("executable", d.Entry.Executable).
			WithField("kept", d.Winner).
			Warnf("Ignoring entry: %s", d.Reason)
	}
}

// Active lists the live monitors ordered by executable
func (r *Reconciler) Active() []Status {
	return r.table.statuses()
}

// Shutdown signals every active monitor so its end commands run, then
// waits for them. If ctx is done first, commands still running are
// cancelled and ctx.Err() is returned.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	r.stopped = true

	for _, m := range r.table.items() {
		r.signal(m, "Shutting down, sending termination signal")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cmdCancel()
		return nil
	case <-ctx.Done():
		r.cmdCancel()
		<-done
		return ctx.Err()
	}
}
