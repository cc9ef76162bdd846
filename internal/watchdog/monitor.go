package watchdog

import (
	"sort"
	"time"

	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mickyco94/gamemon/internal/executor"
	"github.com/mickyco94/gamemon/internal/metrics"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// monitor is the live state of one presence episode
type monitor struct {
	key   string
	entry config.Entry
	stop  *StopSignal
	since time.Time
}

// Status describes an active monitor
type Status struct {
	Name       string    `json:"name"`
	Executable string    `json:"executable"`
	Since      time.Time `json:"since"`
	// Stopping is set once the process has gone and end commands are due
	Stopping bool `json:"stopping"`
}

// table maps executable keys to their live monitor. It is sharded so the
// reconciler and exiting monitors only contend on the key they touch.
type table struct {
	inner cmap.ConcurrentMap[string, *monitor]
}

func newTable() *table {
	return &table{inner: cmap.New[*monitor]()}
}

// claim inserts m unless its key already has a monitor
func (t *table) claim(m *monitor) bool {
	return t.inner.SetIfAbsent(m.key, m)
}

func (t *table) get(key string) (*monitor, bool) {
	return t.inner.Get(key)
}

// release removes m, but only if it still owns its key
func (t *table) release(m *monitor) bool {
	return t.inner.RemoveCb(m.key, func(_ string, v *monitor, exists bool) bool {
		return exists && v == m
	})
}

func (t *table) items() map[string]*monitor {
	return t.inner.Items()
}

func (t *table) count() int {
	return t.inner.Count()
}

func (t *table) statuses() []Status {
	items := t.items()

	out := make([]Status, 0, len(items))
	for _, m := range items {
		out = append(out, Status{
			Name:       m.entry.Name,
			Executable: m.entry.Executable,
			Since:      m.since,
			Stopping:   m.stop.Fired(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Executable < out[j].Executable })
	return out
}

// watch is the body of a monitor task: start commands, wait for the stop
// signal, end commands, then give the key back.
func (r *Reconciler) watch(m *monitor) {
	defer r.wg.Done()

	logger := r.logger.
		WithField("entry", m.entry.Name).
		WithField("executable", m.entry.Executable)

	metrics.IncEpisodeStarted(m.entry.Name)

	report := r.actions.Run(r.cmdCtx, m.entry.Name, executor.Start, m.entry.StartCommands)
	if !report.OK() {
		logger.WithField("failed", report.Failed).Error("Error running start commands")
	}

	logger.Info("Monitoring process, waiting for termination signal")

	<-m.stop.Done()

	logger.Info("Received termination signal")

	report = r.actions.Run(r.cmdCtx, m.entry.Name, executor.End, m.entry.EndCommands)
	if !report.OK() {
		logger.WithField("failed", report.Failed).Error("Error running end commands")
	}

	if r.table.release(m) {
		logger.Info("Removed from active monitoring")
	}

	metrics.IncEpisodeEnded(m.entry.Name)
}
