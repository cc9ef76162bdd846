package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mickyco94/gamemon/internal/executor"
	"github.com/mickyco94/gamemon/internal/watcher"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu  sync.Mutex
	raw config.Raw
	err error
}

func (l *fakeLoader) Load(ctx context.Context) (*config.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	raw := config.Raw{Entries: append([]config.Entry(nil), l.raw.Entries...)}
	return raw.Snapshot(), nil
}

func (l *fakeLoader) set(entries ...config.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.raw.Entries = entries
}

func (l *fakeLoader) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// procTable is a process table the test controls
type procTable struct {
	mu    sync.Mutex
	names map[string]bool
	err   error
}

func newProcTable() *procTable {
	return &procTable{names: make(map[string]bool)}
}

func (p *procTable) setRunning(name string, running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[name] = running
}

func (p *procTable) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *procTable) source(ctx context.Context) ([]watcher.Proc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	var procs []watcher.Proc
	pid := 100
	for name, running := range p.names {
		if running {
			procs = append(procs, watcher.Proc{Pid: pid, Name: name})
			pid++
		}
	}
	return procs, nil
}

type call struct {
	name     string
	phase    executor.Phase
	commands []string
}

// recorder is a Runner that records every command list it is asked to run
type recorder struct {
	mu    sync.Mutex
	calls []call
	ch    chan call
	// startGate and endGate, when set, hold the phase until closed
	startGate chan struct{}
	endGate   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan call, 64)}
}

func (r *recorder) Run(ctx context.Context, name string, phase executor.Phase, commands []string) executor.Report {
	if phase == executor.Start && r.startGate != nil {
		<-r.startGate
	}
	if phase == executor.End && r.endGate != nil {
		<-r.endGate
	}
	c := call{name: name, phase: phase, commands: commands}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	r.ch <- c
	return executor.Report{Phase: phase, Ran: len(commands)}
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recorder) expect(t *testing.T, name string, phase executor.Phase) {
	t.Helper()
	select {
	case c := <-r.ch:
		assert.Equal(t, name, c.name)
		assert.Equal(t, phase, c.phase)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s %s", name, phase)
	}
}

func (r *recorder) drain(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for call %d of %d", i+1, n)
		}
	}
}

func (r *recorder) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.ch:
		t.Fatalf("unexpected %s %s", c.name, c.phase)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	loader *fakeLoader
	procs  *procTable
	rec    *recorder
	r      *Reconciler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	h := &harness{
		loader: &fakeLoader{},
		procs:  newProcTable(),
		rec:    newRecorder(),
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	scanner := watcher.NewProcess(logger, h.procs.source, watcher.ExactMatcher{})
	h.r = New(logger, h.loader, scanner, h.rec, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.r.Shutdown(ctx)
	})

	return h
}

func (h *harness) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.r.Reconcile(context.Background()))
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	assert.Eventually(t, func() bool { return len(h.r.Active()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

var game = config.Entry{
	Name:          "Game",
	Executable:    "game.bin",
	StartCommands: []string{"echo start"},
	EndCommands:   []string{"echo end"},
}

func TestEpisodeLifecycle(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game)

	h.cycle(t)
	h.rec.expectNothing(t)
	assert.Empty(t, h.r.Active())

	h.procs.setRunning("game.bin", true)
	h.cycle(t)
	h.rec.expect(t, "Game", executor.Start)

	active := h.r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "game.bin", active[0].Executable)
	assert.False(t, active[0].Stopping)

	h.procs.setRunning("game.bin", false)
	h.cycle(t)
	h.rec.expect(t, "Game", executor.End)
	h.waitIdle(t)
}

func TestIdempotentPolling(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game)
	h.procs.setRunning("game.bin", true)

	h.cycle(t)
	h.rec.expect(t, "Game", executor.Start)

	for i := 0; i < 5; i++ {
		h.cycle(t)
	}
	h.rec.expectNothing(t)
	assert.Len(t, h.r.Active(), 1)

	h.procs.setRunning("game.bin", false)
	for i := 0; i < 5; i++ {
		h.cycle(t)
	}
	h.rec.expect(t, "Game", executor.End)
	h.rec.expectNothing(t)
}

func TestRedetection(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game)

	for i := 0; i < 3; i++ {
		h.procs.setRunning("game.bin", true)
		h.cycle(t)
		h.rec.expect(t, "Game", executor.Start)

		h.procs.setRunning("game.bin", false)
		h.cycle(t)
		h.rec.expect(t, "Game", executor.End)
		h.waitIdle(t)
	}

	assert.Len(t, h.rec.snapshot(), 6)
}

func TestSharedExecutableHasOneMonitor(t *testing.T) {
	h := newHarness(t)
	h.loader.set(
		config.Entry{Name: "First", Executable: "shared.bin", StartCommands: []string{"a"}},
		config.Entry{Name: "Second", Executable: "shared.bin", StartCommands: []string{"b"}},
	)
	h.procs.setRunning("shared.bin", true)

	h.cycle(t)
	h.cycle(t)

	h.rec.expect(t, "First", executor.Start)
	h.rec.expectNothing(t)
	assert.Len(t, h.r.Active(), 1)
}

func TestScanFailureSkipsCycle(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game)
	h.procs.setRunning("game.bin", true)

	h.cycle(t)
	h.rec.expect(t, "Game", executor.Start)

	h.procs.setRunning("game.bin", false)
	h.procs.fail(errors.New("transient"))
	h.cycle(t)
	h.rec.expectNothing(t)
	assert.Len(t, h.r.Active(), 1)

	h.procs.fail(nil)
	h.cycle(t)
	h.rec.expect(t, "Game", executor.End)
}

func TestScanFailureDoesNotStart(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game)
	h.procs.setRunning("game.bin", true)
	h.procs.fail(errors.New("transient"))

	h.cycle(t)
	h.rec.expectNothing(t)

	h.procs.fail(nil)
	h.cycle(t)
	h.rec.expect(t, "Game", executor.Start)
}

func TestPersistentScanFailureIsFatal(t *testing.T) {
	h := newHarness(t, WithMaxScanFailures(3))
	h.loader.set(game)
	h.procs.fail(errors.New("no /proc"))

	ctx := context.Background()
	require.NoError(t, h.r.Reconcile(ctx))
	require.NoError(t, h.r.Reconcile(ctx))

	err := h.r.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrScanFailed)
	assert.True(t, IsFatal(err))
}

func TestScanFailureCountResetsOnSuccess(t *testing.T) {
	h := newHarness(t, WithMaxScanFailures(2))
	h.loader.set(game)
	ctx := context.Background()

	h.procs.fail(errors.New("no /proc"))
	require.NoError(t, h.r.Reconcile(ctx))

	h.procs.fail(nil)
	require.NoError(t, h.r.Reconcile(ctx))

	h.procs.fail(errors.New("no /proc"))
	require.NoError(t, h.r.Reconcile(ctx))

	assert.ErrorIs(t, h.r.Reconcile(ctx), ErrScanFailed)
}

func TestConfigFailures(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game)
	h.procs.setRunning("game.bin", true)

	h.loader.fail(errors.New("half written"))
	h.cycle(t)
	h.rec.expectNothing(t)

	h.loader.fail(errors.Wrap(config.ErrFatal, "bad toml"))
	err := h.r.Reconcile(context.Background())
	assert.True(t, IsFatal(err))
}

func TestEmptyConfigMonitorsNothing(t *testing.T) {
	h := newHarness(t)
	h.procs.setRunning("game.bin", true)

	h.cycle(t)

	h.rec.expectNothing(t)
	assert.Empty(t, h.r.Active())
}

func TestRemovedEntryEndsWithProcess(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game)
	h.procs.setRunning("game.bin", true)

	h.cycle(t)
	h.rec.expect(t, "Game", executor.Start)

	h.loader.set()
	h.cycle(t)
	h.rec.expectNothing(t)
	assert.Len(t, h.r.Active(), 1)

	h.procs.setRunning("game.bin", false)
	h.cycle(t)
	h.rec.expect(t, "Game", executor.End)
	h.waitIdle(t)
}

func TestEndWaitsForStart(t *testing.T) {
	h := newHarness(t)
	h.rec.startGate = make(chan struct{})
	h.loader.set(game)
	h.procs.setRunning("game.bin", true)

	h.cycle(t)

	h.procs.setRunning("game.bin", false)
	h.cycle(t)

	assert.Eventually(t, func() bool {
		a := h.r.Active()
		return len(a) == 1 && a[0].Stopping
	}, time.Second, 5*time.Millisecond)

	h.rec.expectNothing(t)
	close(h.rec.startGate)

	h.rec.expect(t, "Game", executor.Start)
	h.rec.expect(t, "Game", executor.End)
}

func TestReappearanceWhileStoppingWaitsForRelease(t *testing.T) {
	h := newHarness(t)
	h.rec.endGate = make(chan struct{})
	h.loader.set(game)
	h.procs.setRunning("game.bin", true)

	h.cycle(t)
	h.rec.expect(t, "Game", executor.Start)

	h.procs.setRunning("game.bin", false)
	h.cycle(t)

	h.procs.setRunning("game.bin", true)
	h.cycle(t)
	h.cycle(t)

	h.rec.expectNothing(t)
	active := h.r.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].Stopping)

	close(h.rec.endGate)
	h.rec.expect(t, "Game", executor.End)
	h.waitIdle(t)

	h.cycle(t)
	h.rec.expect(t, "Game", executor.Start)
}

func TestShutdownRunsEndCommands(t *testing.T) {
	h := newHarness(t)
	h.loader.set(game, config.Entry{Name: "Other", Executable: "other.bin"})
	h.procs.setRunning("game.bin", true)
	h.procs.setRunning("other.bin", true)

	h.cycle(t)
	h.rec.drain(t, 2)

	require.NoError(t, h.r.Shutdown(context.Background()))
	assert.Empty(t, h.r.Active())

	ends := 0
	for _, c := range h.rec.snapshot() {
		if c.phase == executor.End {
			ends++
		}
	}
	assert.Equal(t, 2, ends)

	h.cycle(t)
	assert.Empty(t, h.r.Active())
}

func TestRunLoopAndPoke(t *testing.T) {
	h := newHarness(t, WithInterval(time.Hour))
	h.loader.set(game)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()

	h.procs.setRunning("game.bin", true)
	h.r.Poke()
	h.rec.expect(t, "Game", executor.Start)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsFatal(t *testing.T) {
	h := newHarness(t, WithInterval(10*time.Millisecond))
	h.loader.fail(errors.Wrap(config.ErrFatal, "unreadable"))

	err := h.r.Run(context.Background())

	assert.ErrorIs(t, err, config.ErrFatal)
}

func TestWithShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}

	dir := t.TempDir()
	startFile := filepath.Join(dir, "start")
	endFile := filepath.Join(dir, "end")

	loader := &fakeLoader{}
	loader.set(config.Entry{
		Name:          "Game",
		Executable:    "game.bin",
		StartCommands: []string{"false", "echo hello > " + startFile},
		EndCommands:   []string{"echo bye > " + endFile},
	})
	procs := newProcTable()

	logger := logrus.New()
	actions := executor.NewActions(logger, &executor.Shell{Shell: "sh"})
	r := New(logger, loader, watcher.NewProcess(logger, procs.source, watcher.ExactMatcher{}), actions)

	ctx := context.Background()

	procs.setRunning("game.bin", true)
	require.NoError(t, r.Reconcile(ctx))

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(startFile)
		return err == nil && string(data) == "hello\n"
	}, 2*time.Second, 10*time.Millisecond)

	procs.setRunning("game.bin", false)
	require.NoError(t, r.Reconcile(ctx))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(endFile)
		return err == nil && len(r.Active()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
