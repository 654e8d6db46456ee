package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawlens/drawdiff/internal/config"
)

func testRepos(t *testing.T) (*Repositories, *sql.DB) {
	t.Helper()
	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:", MaxOpenConns: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return NewRepositories(db), db
}

func seedJob(t *testing.T, repos *Repositories, pages int) *Job {
	t.Helper()
	job := &Job{
		BaselineRef: "uploads/base.pdf",
		RevisedRef:  "uploads/rev.pdf",
		TotalPages:  pages,
		Status:      JobStatusCreated,
		RequestedBy: "reviewer",
	}
	require.NoError(t, repos.Jobs.Create(context.Background(), job))
	return job
}

func seedStage(t *testing.T, repos *Repositories, jobID uuid.UUID, kind StageKind, page int) {
	t.Helper()
	p := page
	created, err := repos.Stages.CreateIfAbsent(context.Background(), &StageRecord{
		JobID:      jobID,
		Kind:       kind,
		PageNumber: &p,
		Status:     StageStatusPending,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestJobLifecycle(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 3)

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCreated, got.Status)
	assert.Equal(t, "reviewer", got.RequestedBy)

	require.NoError(t, repos.Jobs.MarkInProgress(ctx, job.ID))
	require.NoError(t, repos.Jobs.MarkCompleted(ctx, job.ID))

	got, err = repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	// Terminal jobs reject further transitions.
	assert.ErrorIs(t, repos.Jobs.MarkFailed(ctx, job.ID, "too late"), ErrNotFound)
	assert.ErrorIs(t, repos.Jobs.MarkCancelled(ctx, job.ID), ErrConflict)
}

func TestJobGetMissing(t *testing.T) {
	repos, _ := testRepos(t)
	_, err := repos.Jobs.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelPendingJob(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 1)

	require.NoError(t, repos.Jobs.MarkCancelled(ctx, job.ID))
	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, got.Status)

	assert.ErrorIs(t, repos.Jobs.MarkCancelled(ctx, job.ID), ErrConflict)
	assert.ErrorIs(t, repos.Jobs.MarkCancelled(ctx, uuid.New()), ErrNotFound)
}

func TestStageCreateIfAbsentIsIdempotent(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 1)

	p := 1
	rec := &StageRecord{JobID: job.ID, Kind: StageKindOCR, PageNumber: &p, Status: StageStatusPending}
	created, err := repos.Stages.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &StageRecord{JobID: job.ID, Kind: StageKindOCR, PageNumber: &p, Status: StageStatusPending}
	created, err = repos.Stages.CreateIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	// Same page, different kind is a distinct unit of work.
	other := &StageRecord{JobID: job.ID, Kind: StageKindDiff, PageNumber: &p, Status: StageStatusPending}
	created, err = repos.Stages.CreateIfAbsent(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestStageTransitions(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 1)
	seedStage(t, repos, job.ID, StageKindOCR, 1)

	require.NoError(t, repos.Stages.MarkInProgress(ctx, job.ID, StageKindOCR, 1))
	require.NoError(t, repos.Stages.MarkCompleted(ctx, job.ID, StageKindOCR, 1, "jobs/x/ocr/001.json"))

	rec, err := repos.Stages.GetByKey(ctx, job.ID, StageKindOCR, 1)
	require.NoError(t, err)
	assert.Equal(t, StageStatusCompleted, rec.Status)
	require.NotNil(t, rec.ResultRef)
	assert.Equal(t, "jobs/x/ocr/001.json", *rec.ResultRef)

	// A late failure report cannot undo a completion.
	require.NoError(t, repos.Stages.MarkFailed(ctx, job.ID, StageKindOCR, 1, "late"))
	rec, err = repos.Stages.GetByKey(ctx, job.ID, StageKindOCR, 1)
	require.NoError(t, err)
	assert.Equal(t, StageStatusCompleted, rec.Status)
}

func TestStageRequeueIncrementsRetryCount(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 1)
	seedStage(t, repos, job.ID, StageKindDiff, 1)

	require.NoError(t, repos.Stages.Requeue(ctx, job.ID, StageKindDiff, 1, "timeout"))
	require.NoError(t, repos.Stages.Requeue(ctx, job.ID, StageKindDiff, 1, "timeout again"))

	rec, err := repos.Stages.GetByKey(ctx, job.ID, StageKindDiff, 1)
	require.NoError(t, err)
	assert.Equal(t, StageStatusPending, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "timeout again", *rec.ErrorMessage)
}

func TestCountTerminalPages(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 3)

	// Page 1 finished its summary, page 2 failed at OCR, page 3 still running.
	for page := 1; page <= 3; page++ {
		seedStage(t, repos, job.ID, StageKindOCR, page)
	}
	seedStage(t, repos, job.ID, StageKindDiff, 1)
	seedStage(t, repos, job.ID, StageKindSummary, 1)
	require.NoError(t, repos.Stages.MarkCompleted(ctx, job.ID, StageKindOCR, 1, "r"))
	require.NoError(t, repos.Stages.MarkCompleted(ctx, job.ID, StageKindDiff, 1, "r"))
	require.NoError(t, repos.Stages.MarkCompleted(ctx, job.ID, StageKindSummary, 1, "r"))
	require.NoError(t, repos.Stages.MarkFailed(ctx, job.ID, StageKindOCR, 2, "boom"))

	terminal, err := repos.Stages.CountTerminalPages(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, terminal)

	failed, err := repos.Stages.CountFailedPages(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestDiffResultUniquePerPage(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 1)

	dr := &DiffResult{
		JobID:           job.ID,
		PageNumber:      1,
		DrawingName:     "A-101",
		OverlayRef:      "jobs/x/overlays/001.png",
		AlignmentScore:  0.93,
		ChangesDetected: true,
		ChangeCount:     2,
		Metadata:        json.RawMessage(`{"alignment_score":0.93}`),
	}
	require.NoError(t, repos.DiffResults.Create(ctx, dr))

	dup := &DiffResult{JobID: job.ID, PageNumber: 1, OverlayRef: "other.png"}
	assert.ErrorIs(t, repos.DiffResults.Create(ctx, dup), ErrConflict)

	got, err := repos.DiffResults.GetByJobPage(ctx, job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, dr.ID, got.ID)
	assert.Equal(t, "A-101", got.DrawingName)
	assert.JSONEq(t, `{"alignment_score":0.93}`, string(got.Metadata))

	byID, err := repos.DiffResults.GetByID(ctx, dr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, byID.PageNumber)
}

func TestSummaryVersioning(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 1)

	dr := &DiffResult{JobID: job.ID, PageNumber: 1, OverlayRef: "o.png"}
	require.NoError(t, repos.DiffResults.Create(ctx, dr))

	machine := &ChangeSummary{
		DiffResultID: dr.ID,
		SummaryText:  "A wall was moved.",
		Source:       SummarySourceMachine,
		Active:       true,
	}
	require.NoError(t, repos.Summaries.Create(ctx, machine))

	corrected := &ChangeSummary{
		DiffResultID: dr.ID,
		SummaryText:  "The north wall was relocated 600mm east.",
		Source:       SummarySourceHumanCorrected,
		Active:       true,
		ParentID:     &machine.ID,
	}
	require.NoError(t, repos.Summaries.Create(ctx, corrected))

	active, err := repos.Summaries.GetActiveByDiffResult(ctx, dr.ID)
	require.NoError(t, err)
	assert.Equal(t, corrected.ID, active.ID)
	require.NotNil(t, active.ParentID)
	assert.Equal(t, machine.ID, *active.ParentID)

	versions, err := repos.Summaries.ListByDiffResult(ctx, dr.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	// The machine summary stays as history, inactive.
	var activeCount int
	for _, v := range versions {
		if v.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	pageSummaries, err := repos.Summaries.ListActiveByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, pageSummaries, 1)
	assert.Equal(t, 1, pageSummaries[0].PageNumber)
	assert.Equal(t, corrected.ID, pageSummaries[0].Summary.ID)
}

func TestAuditTrail(t *testing.T) {
	repos, _ := testRepos(t)
	ctx := context.Background()
	job := seedJob(t, repos, 1)

	kind := StageKindOCR
	page := 1
	events := []AuditEvent{
		{JobID: job.ID, Action: AuditActionJobCreated, Actor: "api"},
		{JobID: job.ID, StageKind: &kind, PageNumber: &page, Action: AuditActionStageCompleted, Actor: "engine"},
	}
	require.NoError(t, repos.Audit.BatchSave(ctx, events))

	got, err := repos.Audit.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, AuditActionJobCreated, got[0].Action)
	require.NotNil(t, got[1].StageKind)
	assert.Equal(t, StageKindOCR, *got[1].StageKind)
	require.NotNil(t, got[1].PageNumber)
	assert.Equal(t, 1, *got[1].PageNumber)
}
