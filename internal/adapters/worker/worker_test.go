package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/archive-pipeline/internal/observability/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runnerFake struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	deadline bool
}

func (r *runnerFake) Run(ctx context.Context, _ ports.StepJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, r.deadline = ctx.Deadline()
	r.calls++
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func testExecutor(attempts int) *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		BreakerEnabled:      false,
	})
}

func scrape(t *testing.T, m *metrics.WorkerMetrics) string {
	t.Helper()
	res := httptest.NewRecorder()
	m.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return res.Body.String()
}

func TestStepHandlerRetriesTemporaryFailures(t *testing.T) {
	runner := &runnerFake{errs: []error{domain.WrapError(domain.ErrTemporary, "ocr", errors.New("upstream 503"))}}
	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	handler := NewStepHandler(runner, testExecutor(2), workerMetrics, time.Minute, testLogger())

	job := ports.StepJob{DocumentID: "doc-1", Step: domain.StepOCR, EnqueuedAt: time.Now().Add(-time.Second)}
	if err := handler.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", runner.calls)
	}
	if !runner.deadline {
		t.Fatalf("expected attempt context with deadline")
	}

	body := scrape(t, workerMetrics)
	for _, want := range []string{
		`archive_worker_step_retries_total{service="worker",step="ocr"} 1`,
		`archive_worker_step_total{service="worker",status="success",step="ocr"} 1`,
		`archive_worker_queue_lag_seconds_count{service="worker"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metric %q in:\n%s", want, body)
		}
	}
}

func TestStepHandlerStopsAfterMaxAttempts(t *testing.T) {
	temporary := domain.WrapError(domain.ErrTemporary, "ocr", errors.New("timeout"))
	runner := &runnerFake{errs: []error{temporary, temporary, temporary}}
	handler := NewStepHandler(runner, testExecutor(2), nil, 0, testLogger())

	err := handler.Handle(context.Background(), ports.StepJob{DocumentID: "doc-1", Step: domain.StepOCR})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", runner.calls)
	}
	if runner.deadline {
		t.Fatalf("expected no deadline without a job timeout")
	}
}

func TestStepHandlerDoesNotRetryPermanentFailures(t *testing.T) {
	runner := &runnerFake{errs: []error{domain.WrapError(domain.ErrInvalidInput, "analyze", errors.New("no text"))}}
	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	handler := NewStepHandler(runner, testExecutor(3), workerMetrics, time.Minute, testLogger())

	err := handler.Handle(context.Background(), ports.StepJob{DocumentID: "doc-1", Step: domain.StepAnalyze})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", runner.calls)
	}
	if body := scrape(t, workerMetrics); !strings.Contains(body, `archive_worker_step_total{service="worker",status="error",step="analyzeText"} 1`) {
		t.Fatalf("expected error step metric in:\n%s", body)
	}
}

type resetterFake struct {
	mu        sync.Mutex
	calls     int
	olderThan time.Duration
	resume    bool
	reset     int
	err       error
}

func (r *resetterFake) ResetStuck(_ context.Context, olderThan time.Duration, resume bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.olderThan = olderThan
	r.resume = resume
	return r.reset, r.err
}

func (r *resetterFake) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSweeperRunOnceRecordsResets(t *testing.T) {
	ops := &resetterFake{reset: 3}
	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	sweeper := NewSweeper(ops, 30*time.Minute, true, workerMetrics, testLogger())

	reset, err := sweeper.RunOnce(context.Background())
	if err != nil || reset != 3 {
		t.Fatalf("unexpected sweep result %d, %v", reset, err)
	}
	if ops.olderThan != 30*time.Minute || !ops.resume {
		t.Fatalf("unexpected sweep arguments %+v", ops)
	}

	ops.err = errors.New("db down")
	ops.reset = 0
	if _, err := sweeper.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected sweep error")
	}

	body := scrape(t, workerMetrics)
	if !strings.Contains(body, `archive_worker_stuck_resets_total{service="worker"} 3`) {
		t.Fatalf("expected reset counter in:\n%s", body)
	}
	if !strings.Contains(body, `archive_worker_sweep_failures_total{service="worker"} 1`) {
		t.Fatalf("expected failure counter in:\n%s", body)
	}
}

func TestSweeperRunFiresOnSchedule(t *testing.T) {
	ops := &resetterFake{}
	sweeper := NewSweeper(ops, time.Minute, false, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx, "@every 1s") }()

	deadline := time.After(5 * time.Second)
	for ops.callCount() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("sweep did not fire")
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestSweeperRejectsInvalidSchedule(t *testing.T) {
	sweeper := NewSweeper(&resetterFake{}, time.Minute, false, nil, testLogger())
	if err := sweeper.Run(context.Background(), "every now and then"); err == nil {
		t.Fatalf("expected schedule error")
	}
}
