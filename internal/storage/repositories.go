package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// JobRepository handles job persistence.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create persists a new job.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO jobs (id, baseline_ref, revised_ref, total_pages, status,
			requested_by, error_message, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID.String(), job.BaselineRef, job.RevisedRef, job.TotalPages, job.Status,
		job.RequestedBy, job.ErrorMessage, job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	return err
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		SELECT id, baseline_ref, revised_ref, total_pages, status,
			requested_by, error_message, created_at, started_at, completed_at
		FROM jobs WHERE id = $1
	`
	return scanJob(r.db.QueryRowContext(ctx, query, id.String()))
}

// MarkInProgress transitions a job from created to in_progress.
func (r *JobRepository) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.expectRow(ctx, query, JobStatusInProgress, time.Now().UTC(), id.String(), JobStatusCreated)
}

// MarkCompleted transitions a job from in_progress to completed.
func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs SET status = $1, completed_at = $2
		WHERE id = $3 AND status = $4
	`
	return r.expectRow(ctx, query, JobStatusCompleted, time.Now().UTC(), id.String(), JobStatusInProgress)
}

// MarkFailed transitions a job to failed with an error message.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE jobs SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`
	return r.expectRow(ctx, query,
		JobStatusFailed, errMsg, time.Now().UTC(), id.String(),
		JobStatusCreated, JobStatusInProgress,
	)
}

// MarkCancelled transitions a job to cancelled. Returns ErrConflict when the
// job has already reached a terminal state.
func (r *JobRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs SET status = $1, completed_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	result, err := r.db.ExecContext(ctx, query,
		JobStatusCancelled, time.Now().UTC(), id.String(),
		JobStatusCreated, JobStatusInProgress,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetByID(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (r *JobRepository) expectRow(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row *sql.Row) (*Job, error) {
	job := &Job{}
	var id string
	err := row.Scan(
		&id, &job.BaselineRef, &job.RevisedRef, &job.TotalPages, &job.Status,
		&job.RequestedBy, &job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.ID, err = uuid.Parse(id)
	return job, err
}

// StageRepository handles stage record persistence. All mutations are
// single-row writes keyed by (job_id, kind, page_number).
type StageRepository struct {
	db DB
}

// NewStageRepository creates a new stage repository.
func NewStageRepository(db DB) *StageRepository {
	return &StageRepository{db: db}
}

// CreateIfAbsent inserts a stage record unless one already exists for the
// (job, kind, page) key. Returns true when a new record was created. This is
// the idempotency anchor for duplicate stage-completion deliveries.
func (r *StageRepository) CreateIfAbsent(ctx context.Context, rec *StageRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO stage_records (id, job_id, kind, page_number, status,
			retry_count, result_ref, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id, kind, page_number) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		rec.ID.String(), rec.JobID.String(), rec.Kind, rec.PageNumber, rec.Status,
		rec.RetryCount, rec.ResultRef, rec.ErrorMessage, rawOrNil(rec.Metadata), rec.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetByKey retrieves a stage record by its natural key.
func (r *StageRepository) GetByKey(ctx context.Context, jobID uuid.UUID, kind StageKind, page int) (*StageRecord, error) {
	query := `
		SELECT id, job_id, kind, page_number, status, retry_count,
			result_ref, error_message, metadata, created_at, started_at, completed_at
		FROM stage_records
		WHERE job_id = $1 AND kind = $2 AND page_number = $3
	`
	rows, err := r.db.QueryContext(ctx, query, jobID.String(), kind, page)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanStage(rows)
}

// MarkInProgress transitions a non-terminal stage record to in_progress.
// A no-op when the record already reached a terminal state, which keeps
// duplicate deliveries harmless.
func (r *StageRepository) MarkInProgress(ctx context.Context, jobID uuid.UUID, kind StageKind, page int) error {
	query := `
		UPDATE stage_records SET status = $1, started_at = $2
		WHERE job_id = $3 AND kind = $4 AND page_number = $5 AND status IN ($6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		StageStatusInProgress, time.Now().UTC(),
		jobID.String(), kind, page, StageStatusPending, StageStatusInProgress,
	)
	return err
}

// MarkCompleted records a successful stage run and its result reference.
func (r *StageRepository) MarkCompleted(ctx context.Context, jobID uuid.UUID, kind StageKind, page int, resultRef string) error {
	query := `
		UPDATE stage_records SET status = $1, result_ref = $2, completed_at = $3, error_message = NULL
		WHERE job_id = $4 AND kind = $5 AND page_number = $6 AND status != $7
	`
	_, err := r.db.ExecContext(ctx, query,
		StageStatusCompleted, resultRef, time.Now().UTC(),
		jobID.String(), kind, page, StageStatusFailed,
	)
	return err
}

// MarkFailed records a permanent stage failure.
func (r *StageRepository) MarkFailed(ctx context.Context, jobID uuid.UUID, kind StageKind, page int, errMsg string) error {
	query := `
		UPDATE stage_records SET status = $1, error_message = $2, completed_at = $3
		WHERE job_id = $4 AND kind = $5 AND page_number = $6 AND status != $7
	`
	_, err := r.db.ExecContext(ctx, query,
		StageStatusFailed, errMsg, time.Now().UTC(),
		jobID.String(), kind, page, StageStatusCompleted,
	)
	return err
}

// Requeue returns a stage record to pending with an incremented retry count,
// keeping the retried attempt observably distinct from a fresh one.
func (r *StageRepository) Requeue(ctx context.Context, jobID uuid.UUID, kind StageKind, page int, errMsg string) error {
	query := `
		UPDATE stage_records
		SET status = $1, retry_count = retry_count + 1, error_message = $2
		WHERE job_id = $3 AND kind = $4 AND page_number = $5 AND status != $6
	`
	_, err := r.db.ExecContext(ctx, query,
		StageStatusPending, errMsg,
		jobID.String(), kind, page, StageStatusCompleted,
	)
	return err
}

// ListByJob lists all stage records for a job ordered by page then kind.
func (r *StageRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*StageRecord, error) {
	query := `
		SELECT id, job_id, kind, page_number, status, retry_count,
			result_ref, error_message, metadata, created_at, started_at, completed_at
		FROM stage_records
		WHERE job_id = $1
		ORDER BY page_number, kind
	`
	rows, err := r.db.QueryContext(ctx, query, jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StageRecord
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountTerminalPages counts pages that reached a terminal state: either their
// summary stage is terminal, or any stage failed permanently. This derived
// count replaces a hand-maintained completed-pages counter so concurrent
// summary completions cannot race each other.
func (r *StageRepository) CountTerminalPages(ctx context.Context, jobID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(DISTINCT page_number)
		FROM stage_records
		WHERE job_id = $1
		  AND ((kind = $2 AND status IN ($3, $4)) OR status = $4)
	`
	var count int
	err := r.db.QueryRowContext(ctx, query,
		jobID.String(), StageKindSummary, StageStatusCompleted, StageStatusFailed,
	).Scan(&count)
	return count, err
}

// CountFailedPages counts pages with a permanently failed stage.
func (r *StageRepository) CountFailedPages(ctx context.Context, jobID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(DISTINCT page_number)
		FROM stage_records
		WHERE job_id = $1 AND status = $2
	`
	var count int
	err := r.db.QueryRowContext(ctx, query, jobID.String(), StageStatusFailed).Scan(&count)
	return count, err
}

func scanStage(rows *sql.Rows) (*StageRecord, error) {
	rec := &StageRecord{}
	var id, jobID string
	var metadata sql.NullString
	err := rows.Scan(
		&id, &jobID, &rec.Kind, &rec.PageNumber, &rec.Status, &rec.RetryCount,
		&rec.ResultRef, &rec.ErrorMessage, &metadata, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if rec.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, err
	}
	if metadata.Valid {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	return rec, nil
}

// DiffResultRepository handles diff result persistence.
type DiffResultRepository struct {
	db DB
}

// NewDiffResultRepository creates a new diff result repository.
func NewDiffResultRepository(db DB) *DiffResultRepository {
	return &DiffResultRepository{db: db}
}

// Create persists a diff result. At most one result exists per (job, page);
// a duplicate insert returns ErrConflict.
func (r *DiffResultRepository) Create(ctx context.Context, dr *DiffResult) error {
	if dr.ID == uuid.Nil {
		dr.ID = uuid.New()
	}
	if dr.CreatedAt.IsZero() {
		dr.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO diff_results (id, job_id, page_number, drawing_name, overlay_ref,
			alignment_score, changes_detected, change_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (job_id, page_number) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		dr.ID.String(), dr.JobID.String(), dr.PageNumber, dr.DrawingName, dr.OverlayRef,
		dr.AlignmentScore, dr.ChangesDetected, dr.ChangeCount, rawOrNil(dr.Metadata), dr.CreatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// GetByID retrieves a diff result by ID.
func (r *DiffResultRepository) GetByID(ctx context.Context, id uuid.UUID) (*DiffResult, error) {
	query := diffResultSelect + ` WHERE id = $1`
	return r.one(ctx, query, id.String())
}

// GetByJobPage retrieves a diff result by its natural key.
func (r *DiffResultRepository) GetByJobPage(ctx context.Context, jobID uuid.UUID, page int) (*DiffResult, error) {
	query := diffResultSelect + ` WHERE job_id = $1 AND page_number = $2`
	return r.one(ctx, query, jobID.String(), page)
}

// ListByJob lists all diff results for a job ordered by page.
func (r *DiffResultRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*DiffResult, error) {
	query := diffResultSelect + ` WHERE job_id = $1 ORDER BY page_number`
	rows, err := r.db.QueryContext(ctx, query, jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*DiffResult
	for rows.Next() {
		dr, err := scanDiffResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, dr)
	}
	return results, rows.Err()
}

const diffResultSelect = `
	SELECT id, job_id, page_number, drawing_name, overlay_ref,
		alignment_score, changes_detected, change_count, metadata, created_at
	FROM diff_results
`

func (r *DiffResultRepository) one(ctx context.Context, query string, args ...interface{}) (*DiffResult, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanDiffResult(rows)
}

func scanDiffResult(rows *sql.Rows) (*DiffResult, error) {
	dr := &DiffResult{}
	var id, jobID string
	var metadata sql.NullString
	err := rows.Scan(
		&id, &jobID, &dr.PageNumber, &dr.DrawingName, &dr.OverlayRef,
		&dr.AlignmentScore, &dr.ChangesDetected, &dr.ChangeCount, &metadata, &dr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if dr.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if dr.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, err
	}
	if metadata.Valid {
		dr.Metadata = json.RawMessage(metadata.String)
	}
	return dr, nil
}

// SummaryRepository handles change summary persistence with append-only
// versioning: a new summary deactivates the previous active one.
type SummaryRepository struct {
	db DB
}

// NewSummaryRepository creates a new summary repository.
func NewSummaryRepository(db DB) *SummaryRepository {
	return &SummaryRepository{db: db}
}

// Create inserts a summary and flips the previous active summary off, keeping
// exactly one active summary per diff result.
func (r *SummaryRepository) Create(ctx context.Context, cs *ChangeSummary) error {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}

	if cs.Active {
		deactivate := `
			UPDATE change_summaries SET active = $1
			WHERE diff_result_id = $2 AND active = $3
		`
		if _, err := r.db.ExecContext(ctx, deactivate, false, cs.DiffResultID.String(), true); err != nil {
			return fmt.Errorf("deactivate previous summary: %w", err)
		}
	}

	var parent interface{}
	if cs.ParentID != nil {
		parent = cs.ParentID.String()
	}

	query := `
		INSERT INTO change_summaries (id, diff_result_id, summary_text, structured,
			source, active, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		cs.ID.String(), cs.DiffResultID.String(), cs.SummaryText, rawOrNil(cs.Structured),
		cs.Source, cs.Active, parent, cs.CreatedAt,
	)
	return err
}

// GetActiveByDiffResult retrieves the active summary for a diff result.
func (r *SummaryRepository) GetActiveByDiffResult(ctx context.Context, diffResultID uuid.UUID) (*ChangeSummary, error) {
	query := summarySelect + ` WHERE diff_result_id = $1 AND active = $2`
	rows, err := r.db.QueryContext(ctx, query, diffResultID.String(), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanSummary(rows)
}

// ListByDiffResult lists all summary versions for a diff result, newest first.
func (r *SummaryRepository) ListByDiffResult(ctx context.Context, diffResultID uuid.UUID) ([]*ChangeSummary, error) {
	query := summarySelect + ` WHERE diff_result_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, diffResultID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*ChangeSummary
	for rows.Next() {
		cs, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, cs)
	}
	return summaries, rows.Err()
}

// PageSummary pairs an active summary with its page number.
type PageSummary struct {
	PageNumber int
	Summary    *ChangeSummary
}

// ListActiveByJob lists the active summary for every summarized page of a job.
func (r *SummaryRepository) ListActiveByJob(ctx context.Context, jobID uuid.UUID) ([]*PageSummary, error) {
	query := `
		SELECT cs.id, cs.diff_result_id, cs.summary_text, cs.structured,
			cs.source, cs.active, cs.parent_id, cs.created_at, dr.page_number
		FROM change_summaries cs
		JOIN diff_results dr ON dr.id = cs.diff_result_id
		WHERE dr.job_id = $1 AND cs.active = $2
		ORDER BY dr.page_number
	`
	rows, err := r.db.QueryContext(ctx, query, jobID.String(), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PageSummary
	for rows.Next() {
		cs := &ChangeSummary{}
		var id, diffID string
		var structured, parent sql.NullString
		var page int
		err := rows.Scan(
			&id, &diffID, &cs.SummaryText, &structured,
			&cs.Source, &cs.Active, &parent, &cs.CreatedAt, &page,
		)
		if err != nil {
			return nil, err
		}
		if cs.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if cs.DiffResultID, err = uuid.Parse(diffID); err != nil {
			return nil, err
		}
		if structured.Valid {
			cs.Structured = json.RawMessage(structured.String)
		}
		if parent.Valid {
			pid, err := uuid.Parse(parent.String)
			if err != nil {
				return nil, err
			}
			cs.ParentID = &pid
		}
		out = append(out, &PageSummary{PageNumber: page, Summary: cs})
	}
	return out, rows.Err()
}

const summarySelect = `
	SELECT id, diff_result_id, summary_text, structured,
		source, active, parent_id, created_at
	FROM change_summaries
`

func scanSummary(rows *sql.Rows) (*ChangeSummary, error) {
	cs := &ChangeSummary{}
	var id, diffID string
	var structured, parent sql.NullString
	err := rows.Scan(
		&id, &diffID, &cs.SummaryText, &structured,
		&cs.Source, &cs.Active, &parent, &cs.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if cs.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if cs.DiffResultID, err = uuid.Parse(diffID); err != nil {
		return nil, err
	}
	if structured.Valid {
		cs.Structured = json.RawMessage(structured.String)
	}
	if parent.Valid {
		pid, err := uuid.Parse(parent.String)
		if err != nil {
			return nil, err
		}
		cs.ParentID = &pid
	}
	return cs, nil
}

// AuditRepository handles audit event persistence.
type AuditRepository struct {
	db DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Save persists a single audit event.
func (r *AuditRepository) Save(ctx context.Context, event *AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (id, job_id, stage_kind, page_number, action, actor, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID.String(), event.JobID.String(), event.StageKind, event.PageNumber,
		event.Action, event.Actor, rawOrNil(event.Payload), event.OccurredAt,
	)
	return err
}

// BatchSave persists a batch of audit events.
func (r *AuditRepository) BatchSave(ctx context.Context, events []AuditEvent) error {
	for i := range events {
		if err := r.Save(ctx, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

// ListByJob lists audit events for a job in chronological order.
func (r *AuditRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*AuditEvent, error) {
	query := `
		SELECT id, job_id, stage_kind, page_number, action, actor, payload, occurred_at
		FROM audit_events
		WHERE job_id = $1
		ORDER BY occurred_at
	`
	rows, err := r.db.QueryContext(ctx, query, jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		ev := &AuditEvent{}
		var id, job string
		var payload sql.NullString
		err := rows.Scan(&id, &job, &ev.StageKind, &ev.PageNumber, &ev.Action, &ev.Actor, &payload, &ev.OccurredAt)
		if err != nil {
			return nil, err
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if ev.JobID, err = uuid.Parse(job); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Repositories bundles all repositories together.
type Repositories struct {
	Jobs        *JobRepository
	Stages      *StageRepository
	DiffResults *DiffResultRepository
	Summaries   *SummaryRepository
	Audit       *AuditRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Jobs:        NewJobRepository(db),
		Stages:      NewStageRepository(db),
		DiffResults: NewDiffResultRepository(db),
		Summaries:   NewSummaryRepository(db),
		Audit:       NewAuditRepository(db),
	}
}

// rawOrNil converts an optional JSON payload to a driver-friendly value.
func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
