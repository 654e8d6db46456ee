// Package storage provides database models and repositories for the drawdiff engine.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a comparison job.
type JobStatus string

const (
	JobStatusCreated    JobStatus = "created"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal job state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// StageKind identifies one of the per-page processing stages.
type StageKind string

const (
	StageKindOCR     StageKind = "ocr"
	StageKindDiff    StageKind = "diff"
	StageKindSummary StageKind = "summary"
)

// StageStatus represents the state of a single stage record.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// Terminal reports whether the status is a terminal stage state.
func (s StageStatus) Terminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailed || s == StageStatusSkipped
}

// SummarySource identifies how a change summary was produced.
type SummarySource string

const (
	SummarySourceMachine        SummarySource = "machine"
	SummarySourceHumanCorrected SummarySource = "human_corrected"
	SummarySourceHumanWritten   SummarySource = "human_written"
)

// AuditAction represents audit trail actions.
type AuditAction string

const (
	AuditActionJobCreated     AuditAction = "job_created"
	AuditActionJobCompleted   AuditAction = "job_completed"
	AuditActionJobFailed      AuditAction = "job_failed"
	AuditActionJobCancelled   AuditAction = "job_cancelled"
	AuditActionStageCompleted AuditAction = "stage_completed"
	AuditActionStageRetried   AuditAction = "stage_retried"
	AuditActionStageFailed    AuditAction = "stage_failed"
)

// Recognized metadata keys for diff stage/result metadata.
const (
	MetaKeyAlignmentScore = "alignment_score"
	MetaKeyLowConfidence  = "low_confidence"
	MetaKeyFallback       = "fallback"
)

// Job represents one end-to-end drawing-set comparison request.
type Job struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	BaselineRef  string     `json:"baseline_ref" db:"baseline_ref"`
	RevisedRef   string     `json:"revised_ref" db:"revised_ref"`
	TotalPages   int        `json:"total_pages" db:"total_pages"`
	Status       JobStatus  `json:"status" db:"status"`
	RequestedBy  string     `json:"requested_by" db:"requested_by"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// StageRecord represents one unit of work: a (job, stage-kind, page) triple.
// PageNumber is nullable only to accommodate legacy whole-job stages; the
// engine always sets it.
type StageRecord struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	JobID        uuid.UUID       `json:"job_id" db:"job_id"`
	Kind         StageKind       `json:"kind" db:"kind"`
	PageNumber   *int            `json:"page_number,omitempty" db:"page_number"`
	Status       StageStatus     `json:"status" db:"status"`
	RetryCount   int             `json:"retry_count" db:"retry_count"`
	ResultRef    *string         `json:"result_ref,omitempty" db:"result_ref"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Page returns the page number, or 0 for legacy whole-job stages.
func (r *StageRecord) Page() int {
	if r.PageNumber == nil {
		return 0
	}
	return *r.PageNumber
}

// DiffResult represents one page's comparison output. Created exactly once by
// the Diff Worker and never mutated afterward.
type DiffResult struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	JobID           uuid.UUID       `json:"job_id" db:"job_id"`
	PageNumber      int             `json:"page_number" db:"page_number"`
	DrawingName     string          `json:"drawing_name" db:"drawing_name"`
	OverlayRef      string          `json:"overlay_ref" db:"overlay_ref"`
	AlignmentScore  float64         `json:"alignment_score" db:"alignment_score"`
	ChangesDetected bool            `json:"changes_detected" db:"changes_detected"`
	ChangeCount     int             `json:"change_count" db:"change_count"`
	Metadata        json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ChangeSummary represents an AI-generated or human-edited narrative for a
// diff result. Edits create a new record and flip the previous active flag;
// rows are never mutated in place.
type ChangeSummary struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	DiffResultID uuid.UUID       `json:"diff_result_id" db:"diff_result_id"`
	SummaryText  string          `json:"summary_text" db:"summary_text"`
	Structured   json.RawMessage `json:"structured,omitempty" db:"structured"`
	Source       SummarySource   `json:"source" db:"source"`
	Active       bool            `json:"active" db:"active"`
	ParentID     *uuid.UUID      `json:"parent_id,omitempty" db:"parent_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// AuditEvent represents an append-only record of a job or stage transition.
type AuditEvent struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	JobID      uuid.UUID       `json:"job_id" db:"job_id"`
	StageKind  *StageKind      `json:"stage_kind,omitempty" db:"stage_kind"`
	PageNumber *int            `json:"page_number,omitempty" db:"page_number"`
	Action     AuditAction     `json:"action" db:"action"`
	Actor      string          `json:"actor" db:"actor"`
	Payload    json.RawMessage `json:"payload,omitempty" db:"payload"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}
