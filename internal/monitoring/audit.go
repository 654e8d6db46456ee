// Package monitoring provides the audit trail writer.
package monitoring

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/storage"
)

// AuditStore persists audit events.
type AuditStore interface {
	Save(ctx context.Context, event *storage.AuditEvent) error
	BatchSave(ctx context.Context, events []storage.AuditEvent) error
}

// AuditConfig configures the audit writer.
type AuditConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	EnableAsync   bool
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		EnableAsync:   true,
	}
}

// AuditWriter captures and persists job and stage transition events. Writes
// are buffered and flushed in batches so audit persistence never sits on the
// pipeline's critical path.
type AuditWriter struct {
	logger *observability.Logger
	store  AuditStore
	buffer chan storage.AuditEvent
	config AuditConfig
	stopCh chan struct{}
}

// NewAuditWriter creates a new audit writer.
func NewAuditWriter(logger *observability.Logger, store AuditStore, config AuditConfig) *AuditWriter {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	w := &AuditWriter{
		logger: logger.WithComponent("audit"),
		store:  store,
		buffer: make(chan storage.AuditEvent, config.BufferSize),
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.EnableAsync {
		go w.runFlushLoop()
	}

	return w
}

// Record captures one audit event.
func (w *AuditWriter) Record(ctx context.Context, event storage.AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if w.config.EnableAsync {
		select {
		case w.buffer <- event:
			return
		default:
			w.logger.Warn().Msg("audit buffer full, writing synchronously")
		}
	}
	w.writeEvent(ctx, event)
}

func (w *AuditWriter) writeEvent(ctx context.Context, event storage.AuditEvent) {
	if w.store == nil {
		w.logEvent(event)
		return
	}
	if err := w.store.Save(ctx, &event); err != nil {
		w.logger.Error().Err(err).Str("action", string(event.Action)).Msg("failed to save audit event")
	}
}

func (w *AuditWriter) logEvent(event storage.AuditEvent) {
	w.logger.Info().
		Str("job_id", event.JobID.String()).
		Str("action", string(event.Action)).
		Msg("audit event (no store)")
}

// runFlushLoop periodically flushes buffered events.
func (w *AuditWriter) runFlushLoop() {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	var batch []storage.AuditEvent

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= 100 {
				w.flushBatch(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = nil
			}
		case <-w.stopCh:
			// Drain whatever is buffered before exiting.
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						w.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

func (w *AuditWriter) flushBatch(batch []storage.AuditEvent) {
	if w.store == nil {
		for _, event := range batch {
			w.logEvent(event)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.store.BatchSave(ctx, batch); err != nil {
		w.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to flush audit batch")
	} else {
		w.logger.Debug().Int("count", len(batch)).Msg("flushed audit batch")
	}
}

// Stop stops the audit writer and flushes remaining events.
func (w *AuditWriter) Stop() {
	close(w.stopCh)
}
