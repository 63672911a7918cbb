// Package worker consumes dispatched pipeline steps and runs periodic maintenance.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/ports"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/archive-pipeline/internal/observability/metrics"
)

const (
	serviceName     = "worker"
	operationPrefix = "step."
)

// StepHandler runs one step job with a bounded attempt count and a per-attempt timeout.
type StepHandler struct {
	runner   ports.StepRunner
	executor *resilience.Executor
	metrics  *metrics.WorkerMetrics
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewStepHandler registers a retry hook on executor, so the executor must not
// be shared with other components.
func NewStepHandler(
	runner ports.StepRunner,
	executor *resilience.Executor,
	workerMetrics *metrics.WorkerMetrics,
	timeout time.Duration,
	logger *slog.Logger,
) *StepHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &StepHandler{
		runner:   runner,
		executor: executor,
		metrics:  workerMetrics,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
	if executor != nil {
		executor.WithRetryHook(h.onRetry)
	}
	return h
}

func (h *StepHandler) Handle(ctx context.Context, job ports.StepJob) error {
	step := string(job.Step)
	if h.metrics != nil {
		if !job.EnqueuedAt.IsZero() {
			h.metrics.ObserveQueueLag(serviceName, h.now().Sub(job.EnqueuedAt))
		}
		h.metrics.StartStep(step)
	}

	start := h.now()
	var err error
	if h.executor != nil {
		err = h.executor.Execute(ctx, operationPrefix+step, func(attemptCtx context.Context) error {
			return h.runAttempt(attemptCtx, job)
		}, resilience.TemporaryClassifier)
	} else {
		err = h.runAttempt(ctx, job)
	}
	duration := h.now().Sub(start)

	if h.metrics != nil {
		h.metrics.FinishStep(serviceName, step, duration, err)
	}
	if err != nil {
		return err
	}
	h.logger.Debug("step_job_done", "document_id", job.DocumentID, "step", step, "duration_ms", duration.Milliseconds())
	return nil
}

func (h *StepHandler) runAttempt(ctx context.Context, job ports.StepJob) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return h.runner.Run(ctx, job)
}

func (h *StepHandler) onRetry(operation string, attempt int, err error) {
	step := strings.TrimPrefix(operation, operationPrefix)
	h.logger.Warn("step_job_retry", "step", step, "attempt", attempt, "error", err)
	if h.metrics != nil {
		h.metrics.RecordRetry(serviceName, step)
	}
}
