package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// DefaultCleanupTimeout bounds a single cleanup run.
const DefaultCleanupTimeout = 5 * time.Minute

// CleanupExecutor destroys a worker and releases its network bindings.
// It never fails the workflow: errors are recorded in the report.
type CleanupExecutor struct {
	workers WorkerManager
	timeout time.Duration
	clock   Clock
	logger  zerolog.Logger
}

// NewCleanupExecutor creates a cleanup executor for workers created by the
// given manager.
func NewCleanupExecutor(workers WorkerManager, timeout time.Duration, logger zerolog.Logger) *CleanupExecutor {
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	return &CleanupExecutor{
		workers: workers,
		timeout: timeout,
		clock:   SystemClock{},
		logger:  logger.With().Str("component", "cleanup").Logger(),
	}
}

// Cleanup tears down the worker. worker may be nil when provisioning never
// produced a resource, in which case there is nothing to destroy. The
// caller's cancellation does not interrupt cleanup; only the executor
// timeout does.
func (c *CleanupExecutor) Cleanup(ctx context.Context, worker *WorkerResource) CleanupReport {
	report := CleanupReport{}
	if worker == nil {
		report.CompletedAt = c.clock.Now()
		c.logger.Debug().Msg("No worker to clean up")
		return report
	}
	report.WorkerID = worker.ID

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	var errs error
	if err := c.workers.Destroy(ctx, *worker); err != nil {
		errs = multierr.Append(errs, err)
		c.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Failed to destroy worker")
	} else {
		report.Destroyed = true
	}

	if releaser, ok := c.workers.(NetworkReleaser); ok {
		if err := releaser.Release(ctx, *worker); err != nil {
			errs = multierr.Append(errs, err)
			c.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Failed to release network bindings")
		} else {
			report.Released = true
		}
	} else {
		report.Released = true
	}

	if errs != nil {
		report.Error = NewCleanupError("cleanup incomplete", errs).Error()
	}
	report.CompletedAt = c.clock.Now()
	return report
}
