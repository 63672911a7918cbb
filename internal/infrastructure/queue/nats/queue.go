package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
	"github.com/kirillkom/archive-pipeline/internal/infrastructure/resilience"
)

const (
	queueGroup   = "pipeline-workers"
	drainTimeout = 30 * time.Second
)

type Queue struct {
	conn        *nats.Conn
	subject     string
	executor    *resilience.Executor
	concurrency int
	logger      *slog.Logger
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// Concurrency bounds how many step jobs one subscriber runs at once.
	Concurrency int
	Logger      *slog.Logger
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("archive-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:        conn,
		subject:     subject,
		executor:    options.ResilienceExecutor,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishStep(ctx context.Context, job ports.StepJob) error {
	payload, err := encodeStepJob(job)
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeSteps blocks until ctx is done. Each message runs in its own
// goroutine, bounded by the configured concurrency, and in-flight handlers
// are awaited before returning.
func (q *Queue) SubscribeSteps(ctx context.Context, handler func(context.Context, ports.StepJob) error) error {
	sem := make(chan struct{}, q.concurrency)
	handlers := &handlerGroup{}

	sub, err := q.conn.QueueSubscribe(q.subject, queueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		job, err := decodeStepJob(msg.Data)
		if err != nil {
			q.logger.Error("step_job_decode_failed", "error", err, "payload", string(msg.Data))
			return
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		started := handlers.start(func() {
			defer func() { <-sem }()
			if err := handler(ctx, job); err != nil {
				q.logger.Error("step_job_failed", "document_id", job.DocumentID, "step", job.Step, "error", err)
			}
		})
		if !started {
			<-sem
			q.logger.Warn("step_job_dropped_on_shutdown", "document_id", job.DocumentID, "step", job.Step)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	closed := sub.StatusChanged(nats.SubscriptionClosed)
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	select {
	case <-closed:
	case <-time.After(drainTimeout):
		q.logger.Warn("nats_drain_timeout", "subject", q.subject, "timeout", drainTimeout.String())
	}
	handlers.closeAndWait()
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// handlerGroup tracks running handlers. After closeAndWait starts, start
// refuses new work, so a callback still delivered by the draining
// subscription cannot add to the group while it is being awaited.
type handlerGroup struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (g *handlerGroup) start(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

func (g *handlerGroup) closeAndWait() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

func encodeStepJob(job ports.StepJob) ([]byte, error) {
	if job.DocumentID == "" || !job.Step.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode step job", fmt.Errorf("document=%q step=%q", job.DocumentID, job.Step))
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal step job: %w", err)
	}
	return payload, nil
}

func decodeStepJob(data []byte) (ports.StepJob, error) {
	var job ports.StepJob
	if err := json.Unmarshal(data, &job); err != nil {
		return ports.StepJob{}, fmt.Errorf("unmarshal step job: %w", err)
	}
	if job.DocumentID == "" || !job.Step.Valid() {
		return ports.StepJob{}, fmt.Errorf("invalid step job: document=%q step=%q", job.DocumentID, job.Step)
	}
	return job, nil
}
