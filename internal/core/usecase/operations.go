package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

const defaultBulkParallelism = 4

// Operations runs the bulk maintenance commands over many documents.
type Operations struct {
	repo        ports.DocumentRepository
	pipeline    ports.DocumentPipeline
	orch        *Orchestrator
	parallelism int
	logger      *slog.Logger
}

func NewOperations(repo ports.DocumentRepository, orch *Orchestrator, parallelism int, logger *slog.Logger) *Operations {
	if parallelism <= 0 {
		parallelism = defaultBulkParallelism
	}
	return &Operations{
		repo:        repo,
		pipeline:    orch,
		orch:        orch,
		parallelism: parallelism,
		logger:      defaultLogger(logger),
	}
}

// QueueUnprocessed starts missing steps of documents that never entered the pipeline.
func (op *Operations) QueueUnprocessed(ctx context.Context, limit int) (int, error) {
	ids, err := op.repo.ListIDsWithoutStatus(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("queue unprocessed: list: %w", err)
	}
	return op.each(ctx, "queue_unprocessed", ids, op.pipeline.StartMissing)
}

func (op *Operations) ResetStuck(ctx context.Context, olderThan time.Duration, resume bool) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("reset stuck: threshold must be positive, got %s", olderThan)
	}
	return op.orch.ResetStuck(ctx, olderThan, resume)
}

// RestartIncomplete fully restarts every document that is not complete.
func (op *Operations) RestartIncomplete(ctx context.Context, limit int) (int, error) {
	ids, err := op.repo.ListIncomplete(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("restart incomplete: list: %w", err)
	}
	return op.each(ctx, "restart_incomplete", ids, op.pipeline.RestartFull)
}

// each applies fn to every id with bounded parallelism. A failing document does
// not stop the others; all failures are joined.
func (op *Operations) each(ctx context.Context, name string, ids []string, fn func(context.Context, string) error) (int, error) {
	var (
		mu   sync.Mutex
		done int
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(op.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := fn(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				op.logger.Warn(name+"_document_failed", "document_id", id, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				return nil
			}
			done++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	op.logger.Info(name+"_finished", "documents", len(ids), "succeeded", done, "failed", len(errs))
	return done, errors.Join(errs...)
}
