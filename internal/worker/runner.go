// Package worker implements the three stage worker classes and the consume
// loop that feeds them from the message channel.
package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
	"github.com/drawlens/drawdiff/internal/vision"
)

// Coordinator is the orchestrator surface workers report to.
type Coordinator interface {
	BeginStage(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) (*storage.Job, error)
	OnStageComplete(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, resultRef string) error
	OnStageFailed(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, stageErr error, retryCount int) error
}

// StageReader looks up existing stage records for idempotent short-circuits.
type StageReader interface {
	GetByKey(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) (*storage.StageRecord, error)
}

// DiffResultStore is the diff result surface the diff and summary workers use.
type DiffResultStore interface {
	Create(ctx context.Context, dr *storage.DiffResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.DiffResult, error)
	GetByJobPage(ctx context.Context, jobID uuid.UUID, page int) (*storage.DiffResult, error)
}

// SummaryStore is the summary surface the summary worker uses.
type SummaryStore interface {
	Create(ctx context.Context, cs *storage.ChangeSummary) error
	GetActiveByDiffResult(ctx context.Context, diffResultID uuid.UUID) (*storage.ChangeSummary, error)
}

// VisionClient is the AI surface used by the OCR and summary workers.
type VisionClient interface {
	Extract(ctx context.Context, image []byte) (*vision.Extraction, error)
	Summarize(ctx context.Context, req vision.SummaryRequest, overlay []byte) (*vision.SummaryResponse, error)
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error requeues it through the channel's attempt accounting.
type Handler func(ctx context.Context, d queue.Delivery) error

// Runner consumes a topic with a fixed number of handler goroutines.
type Runner struct {
	channel     queue.Channel
	topic       string
	concurrency int
	handler     Handler
	logger      *observability.Logger
}

// NewRunner creates a runner for one topic.
func NewRunner(channel queue.Channel, topic string, concurrency int, handler Handler, logger *observability.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		channel:     channel,
		topic:       topic,
		concurrency: concurrency,
		handler:     handler,
		logger:      logger.WithComponent("worker").WithStage(topic),
	}
}

// Run consumes until ctx is cancelled or the channel closes.
func (r *Runner) Run(ctx context.Context) error {
	deliveries, err := r.channel.Consume(ctx, r.topic)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				r.handle(ctx, d)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) handle(ctx context.Context, d queue.Delivery) {
	if err := r.handler(ctx, d); err != nil {
		r.logger.Warn().Err(err).Int("attempt", d.Attempt).Msg("handler failed, requeueing")
		if nerr := d.Nack(); nerr != nil {
			r.logger.Error().Err(nerr).Msg("nack failed")
		}
		return
	}
	if aerr := d.Ack(); aerr != nil {
		r.logger.Error().Err(aerr).Msg("ack failed")
	}
}
