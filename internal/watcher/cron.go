package watcher

import (
	"context"

	internal "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Cron is a decorator of the cron lib
// this allows the `HandleFunc(schedule, handler)` pattern to be shared with
// the other watchers
type Cron struct {
	inner *internal.Cron
}

// NewCron constructs a new cron schedule watcher. Schedules take a leading
// seconds field and a run is skipped while the previous one is still going.
func NewCron(logger logrus.FieldLogger) *Cron {
	log := cronLogger{logger}
	return &Cron{
		inner: internal.New(
			internal.WithSeconds(),
			internal.WithLogger(log),
			internal.WithChain(
				internal.Recover(log),
				internal.SkipIfStillRunning(log),
			),
		),
	}
}

// HandleFunc registers a function to be executed on schedule.
func (cron *Cron) HandleFunc(schedule string, handler func()) error {
	_, err := cron.inner.AddFunc(schedule, handler)
	return err
}

// Run starts the cron watcher, blocking until Stop
func (cron *Cron) Run() { cron.inner.Run() }

// Stop shuts down the cron watcher and attempts to wait for any currently
// running functions attached to the scheduler to exit before the provided
// context is done.
func (cron *Cron) Stop(ctx context.Context) error {
	runningJobsCtx := cron.inner.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-runningJobsCtx.Done():
		return nil
	}
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).WithError(err).Error(msg)
}

func (l cronLogger) with(keysAndValues []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			fields[k] = keysAndValues[i+1]
		}
	}
	return l.logger.WithFields(fields)
}
