package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

// persistTimeout bounds the terminal state write, which runs detached from
// the attempt context so a timed out attempt still records its outcome.
const persistTimeout = 30 * time.Second

// StepResult applies a step's output to a freshly loaded document.
type StepResult func(doc *domain.Document)

// StepExecutor performs the unit of work of one pipeline step. It must not
// touch status fields; the Runner owns the step lifecycle.
type StepExecutor interface {
	Step() domain.Step
	Execute(ctx context.Context, doc *domain.Document) (StepResult, error)
}

// Runner moves one dispatched step through queued, processing and done or
// failed, then hands control back to the pipeline.
type Runner struct {
	repo      ports.DocumentRepository
	pipeline  ports.DocumentPipeline
	executors map[domain.Step]StepExecutor
	audit     auditLog
	logger    *slog.Logger
	now       func() time.Time
}

func NewRunner(
	repo ports.DocumentRepository,
	pipeline ports.DocumentPipeline,
	logger *slog.Logger,
	executors ...StepExecutor,
) *Runner {
	logger = defaultLogger(logger)
	byStep := make(map[domain.Step]StepExecutor, len(executors))
	for _, ex := range executors {
		byStep[ex.Step()] = ex
	}
	return &Runner{
		repo:      repo,
		pipeline:  pipeline,
		executors: byStep,
		audit:     auditLog{repo: repo, logger: logger, now: time.Now},
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Runner) Run(ctx context.Context, job ports.StepJob) error {
	executor, ok := r.executors[job.Step]
	if !ok {
		return domain.WrapError(domain.ErrInvalidInput, "run step", fmt.Errorf("no executor for step %q", job.Step))
	}

	doc, err := r.repo.GetByID(ctx, job.DocumentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			r.logger.Warn("step_skipped_missing_document", "document_id", job.DocumentID, "step", job.Step)
			return nil
		}
		return fmt.Errorf("%s: load document: %w", job.Step, err)
	}

	status := doc.StepStatus(job.Step)
	if status == domain.StatusProcessing || status == domain.StatusDone {
		r.logger.Info("step_skipped", "document_id", doc.ID, "step", job.Step, "status", status)
		return nil
	}

	claimed, err := r.begin(ctx, doc, job.Step)
	if err != nil || !claimed {
		return err
	}

	apply, workErr := executor.Execute(ctx, doc)

	persistCtx, cancel := detached(ctx)
	defer cancel()
	if workErr != nil {
		return r.fail(persistCtx, job, workErr)
	}
	return r.finish(persistCtx, job, apply)
}

// begin claims the step in the repository and marks it processing. It reports
// false when another runner claimed the step first.
func (r *Runner) begin(ctx context.Context, doc *domain.Document, step domain.Step) (bool, error) {
	claimed, err := r.repo.ClaimStep(ctx, doc.ID, step)
	if err != nil {
		return false, fmt.Errorf("%s: claim: %w", step, err)
	}
	if !claimed {
		r.logger.Info("step_skipped_claimed", "document_id", doc.ID, "step", step)
		return false, nil
	}
	doc.SetStepStatus(step, domain.StatusQueued)
	doc.ProcessingStep = step
	doc.ProcessingStatus = domain.StatusQueued
	r.audit.append(ctx, doc, string(step), domain.LogInfo, fmt.Sprintf("Step %s picked up by worker.", domain.StepLabel(step)))

	startedAt := r.now().UTC()
	doc.SetStepStatus(step, domain.StatusProcessing)
	doc.SetStepError(step, "")
	doc.ProcessingStatus = domain.StatusProcessing
	doc.ProcessingStartedAt = &startedAt
	if err := r.repo.SaveState(ctx, doc); err != nil {
		return false, fmt.Errorf("%s: mark processing: %w", step, err)
	}
	r.audit.append(ctx, doc, string(step), domain.LogInfo, fmt.Sprintf("Step %s started.", domain.StepLabel(step)))
	return true, nil
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// fail persists the terminal failure and does not advance the pipeline.
// ctx must not be the attempt context.
func (r *Runner) fail(ctx context.Context, job ports.StepJob, workErr error) error {
	msg := workErr.Error()

	doc, err := r.repo.GetByID(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("%s: %w (reload for failure: %v)", job.Step, workErr, err)
	}
	doc.SetStepStatus(job.Step, domain.StatusFailed)
	doc.SetStepError(job.Step, msg)
	doc.ProcessingStep = job.Step
	doc.ProcessingStatus = domain.StatusFailed
	doc.ProcessingStartedAt = nil
	if err := r.repo.SaveState(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w (persist failure: %v)", job.Step, workErr, err)
	}
	r.audit.append(ctx, doc, string(job.Step), domain.LogError, msg)
	return fmt.Errorf("%s: %w", job.Step, workErr)
}

func (r *Runner) finish(ctx context.Context, job ports.StepJob, apply StepResult) error {
	doc, err := r.repo.GetByID(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("%s: reload after work: %w", job.Step, err)
	}
	if apply != nil {
		apply(doc)
	}
	doc.SetStepStatus(job.Step, domain.StatusDone)
	doc.SetStepError(job.Step, "")
	doc.ProcessingStep = job.Step
	doc.ProcessingStatus = domain.StatusDone
	doc.ProcessingStartedAt = nil
	if err := r.repo.SaveState(ctx, doc); err != nil {
		return fmt.Errorf("%s: mark done: %w", job.Step, err)
	}
	r.audit.append(ctx, doc, string(job.Step), domain.LogInfo, fmt.Sprintf("Step %s finished.", domain.StepLabel(job.Step)))

	if err := r.pipeline.Advance(ctx, doc.ID, false); err != nil {
		return fmt.Errorf("%s: advance: %w", job.Step, err)
	}
	return nil
}
