package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/mickyco94/gamemon/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Report summarises a run of a command list. It is only used for logging,
// a failed command never changes what runs next.
type Report struct {
	Phase  Phase
	Ran    int
	Failed int
}

// OK is true when every command in the list succeeded
func (r Report) OK() bool { return r.Failed == 0 }

// Actions runs the command lists of entries one command at a time
type Actions struct {
	logger logrus.FieldLogger
	shell  *Shell
}

func NewActions(logger logrus.FieldLogger, shell *Shell) *Actions {
	return &Actions{
		logger: logger,
		shell:  shell,
	}
}

// Run executes commands in order, waiting for each to exit before starting
// the next. Failures are logged and the remaining commands still run.
func (a *Actions) Run(ctx context.Context, name string, phase Phase, commands []string) Report {
	report := Report{Phase: phase}

	logger := a.logger.
		WithField("entry", name).
		WithField("phase", phase)

	for i, command := range commands {
		log := logger.
			WithField("step", i+1).
			WithField("command", command)

		log.Info("Running command")

		res, err := a.shell.Run(ctx, command)
		report.Ran++
		metrics.ObserveCommand(string(phase), err == nil, res.Duration)

		if out := strings.TrimSpace(res.Stdout); out != "" {
			log.WithField("stdout", out).Info("Command output")
		}
		if out := strings.TrimSpace(res.Stderr); out != "" {
			log.WithField("stderr", out).Warn("Command error output")
		}

		if err != nil {
			report.Failed++
			log.WithError(err).Error("Command failed")
			continue
		}

		log.WithField("duration", res.Duration).Debug("Command succeeded")
	}

	return report
}

// Executor binds a command list to an Executor, which is how out of band
// requests are queued on a Pool.
func (a *Actions) Executor(name string, phase Phase, commands []string) Executor {
	return ExecutorFunc(func(ctx context.Context) error {
		report := a.Run(ctx, name, phase, commands)
		if !report.OK() {
			return fmt.Errorf("%d of %d %s commands failed", report.Failed, report.Ran, phase)
		}
		return nil
	})
}
