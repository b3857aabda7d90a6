// Package scheduler runs the lease-based worker pools that drain the
// durable job queues.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
)

const (
	idleBackoffMin = 100 * time.Millisecond
	idleBackoffMax = 5 * time.Second
)

// Queue adapts one job store to the pool. Claim hands out at most one job
// per call; Complete translates the pipeline result into store state.
type Queue interface {
	Kind() string
	Claim(ctx context.Context, workerID string, lease time.Duration) (int64, bool, error)
	Renew(ctx context.Context, jobID int64, workerID string, lease time.Duration) (int64, error)
	Complete(ctx context.Context, jobID int64, result interfaces.PipelineResult, runErr error) error
}

// WorkerPool claims jobs under a lease and runs them through a pipeline.
// Each running job gets a renewal ticker; a failed renewal means another
// worker took the job over, so the run is cancelled without a terminal
// write.
type WorkerPool struct {
	queue        Queue
	pipeline     interfaces.Pipeline
	workerID     string
	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	logger       arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool for one queue/pipeline pair.
func NewWorkerPool(queue Queue, pipeline interfaces.Pipeline, workerID string, concurrency int, pollInterval, lease time.Duration, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:        queue,
		pipeline:     pipeline,
		workerID:     workerID,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		lease:        lease,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.Info().
		Str("queue", wp.queue.Kind()).
		Int("concurrency", wp.concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels all workers and waits for in-flight jobs to wind down.
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Str("queue", wp.queue.Kind()).Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
}

// worker is the claim loop. Empty claims back off exponentially up to
// idleBackoffMax so an idle pool does not hammer the database.
func (wp *WorkerPool) worker(index int) {
	defer wp.wg.Done()

	// Stagger worker starts to reduce lock contention on the claim query
	if wp.concurrency > 1 {
		stagger := (wp.pollInterval / time.Duration(wp.concurrency)) * time.Duration(index)
		select {
		case <-time.After(stagger):
		case <-wp.ctx.Done():
			return
		}
	}

	workerID := fmt.Sprintf("%s#%d", wp.workerID, index)
	backoff := idleBackoffMin

	for {
		select {
		case <-wp.ctx.Done():
			return
		default:
		}

		jobID, claimed, err := wp.queue.Claim(wp.ctx, workerID, wp.lease)
		if err != nil {
			if !isBusy(err) && wp.ctx.Err() == nil {
				wp.logger.Warn().
					Err(err).
					Str("queue", wp.queue.Kind()).
					Msg("Claim failed")
			}
			claimed = false
		}

		if !claimed {
			select {
			case <-time.After(backoff):
			case <-wp.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > idleBackoffMax {
				backoff = idleBackoffMax
			}
			if backoff > wp.pollInterval && wp.pollInterval > 0 {
				backoff = wp.pollInterval
			}
			continue
		}

		backoff = idleBackoffMin
		wp.runJob(workerID, jobID)
	}
}

// runJob executes one claimed job with lease renewal. The pipeline runs
// under a context that is cancelled the moment the lease is lost.
func (wp *WorkerPool) runJob(workerID string, jobID int64) {
	jobCtx, cancelJob := context.WithCancel(wp.ctx)
	defer cancelJob()

	leaseLost := make(chan struct{})
	renewDone := make(chan struct{})

	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(wp.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				n, err := wp.queue.Renew(jobCtx, jobID, workerID, wp.lease)
				if err != nil {
					if jobCtx.Err() != nil {
						return
					}
					wp.logger.Warn().
						Err(err).
						Int64("job_id", jobID).
						Msg("Lease renewal errored")
					continue
				}
				if n == 0 {
					wp.logger.Warn().
						Int64("job_id", jobID).
						Str("queue", wp.queue.Kind()).
						Msg("Lease lost, aborting job")
					close(leaseLost)
					cancelJob()
					return
				}
			}
		}
	}()

	started := time.Now()
	result, runErr := wp.safeRun(jobCtx, jobID)
	cancelJob()
	<-renewDone

	select {
	case <-leaseLost:
		// Another worker owns the job now. No terminal write: the new
		// holder's run decides the outcome.
		return
	default:
	}

	if err := wp.queue.Complete(context.Background(), jobID, result, runErr); err != nil {
		wp.logger.Error().
			Err(err).
			Int64("job_id", jobID).
			Str("queue", wp.queue.Kind()).
			Msg("Failed to record job result")
		return
	}

	event := wp.logger.Info()
	if result != interfaces.ResultSucceeded {
		event = wp.logger.Warn().Err(runErr)
	}
	event.
		Int64("job_id", jobID).
		Str("queue", wp.queue.Kind()).
		Str("result", result.String()).
		Dur("duration", time.Since(started)).
		Msg("Job finished")
}

// safeRun shields the pool from panicking pipelines. A panic is a
// permanent failure carrying the stack.
func (wp *WorkerPool) safeRun(ctx context.Context, jobID int64) (result interfaces.PipelineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			wp.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", stack).
				Int64("job_id", jobID).
				Msg("Pipeline panicked")
			result = interfaces.ResultPermanent
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return wp.pipeline.Run(ctx, jobID)
}

// isBusy matches SQLite contention errors that resolve on the next poll.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
