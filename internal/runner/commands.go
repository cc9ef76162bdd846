package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mickyco94/gamemon/internal/executor"
	"github.com/mickyco94/gamemon/internal/watcher"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Check validates the entries file and prints what the watchdog would
// monitor. Dropped entries are listed but are not an error.
func Check(settings *config.Settings, out io.Writer) error {
	snap, err := config.Load(settings.Config)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: %d entries\n", settings.Config, len(snap.Entries))

	for _, d := range snap.Dropped {
		if d.Winner != "" {
			fmt.Fprintf(out, "ignored %q (%s): %s, kept %q\n", d.Entry.Name, d.Entry.Executable, d.Reason, d.Winner)
			continue
		}
		fmt.Fprintf(out, "ignored %q: %s\n", d.Entry.Name, d.Reason)
	}

	return nil
}

// List prints every entry and whether its executable is running now
func List(ctx context.Context, logger logrus.FieldLogger, settings *config.Settings, out io.Writer) error {
	snap, err := config.Load(settings.Config)
	if err != nil {
		return err
	}

	scanner := watcher.NewProcess(
		logger,
		watcher.SourceFor(settings.Scanner),
		watcher.MatcherFor(settings.MatchMode),
	)

	procs, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEXECUTABLE\tRUNNING")
	for _, entry := range snap.Entries {
		fmt.Fprintf(w, "%s\t%s\t%t\n", entry.Name, entry.Executable, procs.Running(entry.Executable))
	}

	return w.Flush()
}

// Exec runs an entry's start or end commands in the foreground
func Exec(ctx context.Context, logger logrus.FieldLogger, settings *config.Settings, name string, phase executor.Phase) error {
	entry, err := lookup(settings.Config, name)
	if err != nil {
		return err
	}

	shell := executor.NewShell()
	shell.Shell = settings.Shell
	shell.Timeout = settings.CommandTimeout

	actions := executor.NewActions(logger, shell)
	return actions.Executor(entry.Name, phase, commandsFor(entry, phase)).Execute(ctx)
}

// Init writes an empty entries file, refusing to replace an existing one
func Init(settings *config.Settings, out io.Writer) error {
	_, err := os.Stat(settings.Config)
	if err == nil {
		return errors.Errorf("%s already exists", settings.Config)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "failed to check config")
	}

	if err := config.Save(settings.Config, &config.Raw{Entries: []config.Entry{}}); err != nil {
		return err
	}

	fmt.Fprintf(out, "created %s\n", settings.Config)
	return nil
}
