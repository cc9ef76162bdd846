package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultPoolSize is the number of workers used when none is configured
const DefaultPoolSize = 2

const queueFactor = 8

var (
	ErrPoolStopped = errors.New("Executor pool is not running")
	ErrQueueFull   = errors.New("Executor queue is full")
)

// Job is a unit of work queued on the Pool
type Job struct {
	// Service names the entry the job belongs to, for logging
	Service  string
	Executor Executor
}

// Pool runs queued jobs on a fixed number of workers
type Pool struct {
	logger logrus.FieldLogger

	runningMu sync.Mutex
	running   bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	size int
	jobs chan Job
}

func NewPool(logger logrus.FieldLogger, size int) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}
	return &Pool{
		logger: logger,
		size:   size,
	}
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (pool *Pool) Start() {
	pool.runningMu.Lock()
	defer pool.runningMu.Unlock()

	if pool.running {
		return
	}

	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	pool.jobs = make(chan Job, pool.size*queueFactor)
	pool.running = true

	pool.wg.Add(pool.size)
	for i := 0; i < pool.size; i++ {
		go pool.work(pool.jobs)
	}
}

func (pool *Pool) work(jobs <-chan Job) {
	defer pool.wg.Done()

	for job := range jobs {
		pool.execute(job)
	}
}

func (pool *Pool) execute(job Job) {
	logger := pool.logger.WithField("service", job.Service)

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Executor panicked")
		}
	}()

	if err := job.Executor.Execute(pool.ctx); err != nil {
		logger.WithError(err).Error("Executor failed")
	}
}

// Enqueue adds the execution to the queue without blocking
func (pool *Pool) Enqueue(job Job) error {
	pool.runningMu.Lock()
	defer pool.runningMu.Unlock()

	if !pool.running {
		return ErrPoolStopped
	}

	select {
	case pool.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting jobs and waits for queued and running jobs to
// finish. If ctx is done first, running jobs are cancelled and ctx.Err()
// is returned.
func (pool *Pool) Stop(ctx context.Context) error {
	pool.runningMu.Lock()
	if !pool.running {
		pool.runningMu.Unlock()
		return nil
	}
	pool.running = false
	close(pool.jobs)
	pool.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pool.cancel()
		return nil
	case <-ctx.Done():
		pool.cancel()
		return ctx.Err()
	}
}
