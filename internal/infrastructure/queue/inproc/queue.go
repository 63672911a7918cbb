// Package inproc is a StepQueue backed by a buffered channel, for single-process
// deployments and tests.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

type Queue struct {
	jobs        chan ports.StepJob
	concurrency int
	logger      *slog.Logger
}

func New(buffer, concurrency int, logger *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:        make(chan ports.StepJob, buffer),
		concurrency: concurrency,
		logger:      logger,
	}
}

func (q *Queue) PublishStep(ctx context.Context, job ports.StepJob) error {
	if job.DocumentID == "" || !job.Step.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "publish step", fmt.Errorf("document=%q step=%q", job.DocumentID, job.Step))
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return domain.WrapError(domain.ErrTemporary, "publish step", fmt.Errorf("queue full"))
	}
}

// SubscribeSteps runs a fixed pool of consumers until ctx is done.
func (q *Queue) SubscribeSteps(ctx context.Context, handler func(context.Context, ports.StepJob) error) error {
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					if err := handler(ctx, job); err != nil {
						q.logger.Error("step_job_failed", "document_id", job.DocumentID, "step", job.Step, "error", err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}
