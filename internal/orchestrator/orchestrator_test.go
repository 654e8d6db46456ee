package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*storage.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[uuid.UUID]*storage.Job)}
}

func (f *fakeJobs) Create(ctx context.Context, job *storage.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobs) GetByID(ctx context.Context, id uuid.UUID) (*storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobs) setStatus(id uuid.UUID, from []storage.JobStatus, to storage.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	for _, s := range from {
		if job.Status == s {
			job.Status = to
			return nil
		}
	}
	return storage.ErrConflict
}

func (f *fakeJobs) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	return f.setStatus(id, []storage.JobStatus{storage.JobStatusCreated}, storage.JobStatusInProgress)
}

func (f *fakeJobs) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return f.setStatus(id, []storage.JobStatus{storage.JobStatusInProgress}, storage.JobStatusCompleted)
}

func (f *fakeJobs) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	err := f.setStatus(id, []storage.JobStatus{storage.JobStatusCreated, storage.JobStatusInProgress}, storage.JobStatusFailed)
	if err == nil {
		f.mu.Lock()
		f.jobs[id].ErrorMessage = &errMsg
		f.mu.Unlock()
	}
	return err
}

func (f *fakeJobs) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return f.setStatus(id, []storage.JobStatus{storage.JobStatusCreated, storage.JobStatusInProgress}, storage.JobStatusCancelled)
}

type stageKey struct {
	job  uuid.UUID
	kind storage.StageKind
	page int
}

type fakeStages struct {
	mu      sync.Mutex
	records map[stageKey]*storage.StageRecord
}

func newFakeStages() *fakeStages {
	return &fakeStages{records: make(map[stageKey]*storage.StageRecord)}
}

func (f *fakeStages) CreateIfAbsent(ctx context.Context, rec *storage.StageRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageKey{rec.JobID, rec.Kind, rec.Page()}
	if _, ok := f.records[key]; ok {
		return false, nil
	}
	cp := *rec
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	f.records[key] = &cp
	return true, nil
}

func (f *fakeStages) GetByKey(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) (*storage.StageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[stageKey{jobID, kind, page}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStages) MarkInProgress(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[stageKey{jobID, kind, page}]; ok && !rec.Status.Terminal() {
		rec.Status = storage.StageStatusInProgress
	}
	return nil
}

func (f *fakeStages) MarkCompleted(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, resultRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[stageKey{jobID, kind, page}]; ok && rec.Status != storage.StageStatusFailed {
		rec.Status = storage.StageStatusCompleted
		rec.ResultRef = &resultRef
	}
	return nil
}

func (f *fakeStages) MarkFailed(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[stageKey{jobID, kind, page}]; ok && rec.Status != storage.StageStatusCompleted {
		rec.Status = storage.StageStatusFailed
		rec.ErrorMessage = &errMsg
	}
	return nil
}

func (f *fakeStages) Requeue(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[stageKey{jobID, kind, page}]; ok && rec.Status != storage.StageStatusCompleted {
		rec.Status = storage.StageStatusPending
		rec.RetryCount++
		rec.ErrorMessage = &errMsg
	}
	return nil
}

func (f *fakeStages) CountTerminalPages(ctx context.Context, jobID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := make(map[int]bool)
	for key, rec := range f.records {
		if key.job != jobID {
			continue
		}
		summaryTerminal := key.kind == storage.StageKindSummary &&
			(rec.Status == storage.StageStatusCompleted || rec.Status == storage.StageStatusFailed)
		if summaryTerminal || rec.Status == storage.StageStatusFailed {
			pages[key.page] = true
		}
	}
	return len(pages), nil
}

func (f *fakeStages) CountFailedPages(ctx context.Context, jobID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := make(map[int]bool)
	for key, rec := range f.records {
		if key.job == jobID && rec.Status == storage.StageStatusFailed {
			pages[key.page] = true
		}
	}
	return len(pages), nil
}

type fakeDiffs struct {
	mu      sync.Mutex
	results map[stageKey]*storage.DiffResult
}

func newFakeDiffs() *fakeDiffs {
	return &fakeDiffs{results: make(map[stageKey]*storage.DiffResult)}
}

func (f *fakeDiffs) put(dr *storage.DiffResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dr.ID == uuid.Nil {
		dr.ID = uuid.New()
	}
	f.results[stageKey{dr.JobID, storage.StageKindDiff, dr.PageNumber}] = dr
}

func (f *fakeDiffs) GetByJobPage(ctx context.Context, jobID uuid.UUID, page int) (*storage.DiffResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dr, ok := f.results[stageKey{jobID, storage.StageKindDiff, page}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return dr, nil
}

// fakeExtractor reports page counts from the document content itself: the
// body is the decimal page count.
type fakeExtractor struct{}

func (fakeExtractor) PageCount(ctx context.Context, doc []byte) (int, error) {
	return strconv.Atoi(string(doc))
}

func (fakeExtractor) RenderPage(ctx context.Context, doc []byte, page int, dpi int) ([]byte, error) {
	return []byte(fmt.Sprintf("page-%d", page)), nil
}

type env struct {
	jobs    *fakeJobs
	stages  *fakeStages
	diffs   *fakeDiffs
	channel *queue.MemoryChannel
	blobs   *blob.MemoryStore
	orch    *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		jobs:    newFakeJobs(),
		stages:  newFakeStages(),
		diffs:   newFakeDiffs(),
		channel: queue.NewMemoryChannel(10),
		blobs:   blob.NewMemoryStore(),
	}
	e.orch = New(
		e.jobs, e.stages, e.diffs, e.channel, e.blobs, fakeExtractor{}, nil,
		Options{MaxRetries: 2, RasterDPI: 72},
		observability.Nop(),
	)
	return e
}

func (e *env) uploadDocs(t *testing.T, basePages, revPages int) (string, string) {
	t.Helper()
	ctx := context.Background()
	baseRef, err := e.blobs.Put(ctx, "uploads/base.pdf", []byte(strconv.Itoa(basePages)), blob.ContentTypePDF)
	require.NoError(t, err)
	revRef, err := e.blobs.Put(ctx, "uploads/rev.pdf", []byte(strconv.Itoa(revPages)), blob.ContentTypePDF)
	require.NoError(t, err)
	return baseRef, revRef
}

func TestCreateJobSeedsOCRStages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 3, 2)

	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "reviewer")
	require.NoError(t, err)

	job, err := e.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusInProgress, job.Status)
	assert.Equal(t, 3, job.TotalPages)

	for page := 1; page <= 3; page++ {
		rec, err := e.stages.GetByKey(ctx, jobID, storage.StageKindOCR, page)
		require.NoError(t, err)
		assert.Equal(t, storage.StageStatusPending, rec.Status)
	}
	assert.Equal(t, 3, e.channel.Pending(queue.TopicOCR))

	// Page images land in the blob store; page 3 only exists on the
	// baseline side because the revised set is shorter.
	exists, _ := e.blobs.Exists(ctx, blob.PageKey(jobID, 3, blob.SideBaseline))
	assert.True(t, exists)
	exists, _ = e.blobs.Exists(ctx, blob.PageKey(jobID, 3, blob.SideRevised))
	assert.False(t, exists)
}

// publishHookChannel observes channel publishes so tests can assert on state
// at publish time.
type publishHookChannel struct {
	*queue.MemoryChannel
	onPublish func(topic string)
}

func (c *publishHookChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	c.onPublish(topic)
	return c.MemoryChannel.Publish(ctx, topic, payload)
}

func TestCreateJobMarksInProgressBeforePublishing(t *testing.T) {
	jobs := newFakeJobs()
	ch := &publishHookChannel{MemoryChannel: queue.NewMemoryChannel(10)}

	// A worker may pick a message up the instant it is published; the job
	// must already be in_progress by then or its finalization could be lost.
	var seen []storage.JobStatus
	ch.onPublish = func(string) {
		jobs.mu.Lock()
		for _, job := range jobs.jobs {
			seen = append(seen, job.Status)
		}
		jobs.mu.Unlock()
	}

	blobs := blob.NewMemoryStore()
	orch := New(
		jobs, newFakeStages(), newFakeDiffs(), ch, blobs, fakeExtractor{}, nil,
		Options{MaxRetries: 2, RasterDPI: 72},
		observability.Nop(),
	)

	ctx := context.Background()
	baseRef, err := blobs.Put(ctx, "uploads/base.pdf", []byte("2"), blob.ContentTypePDF)
	require.NoError(t, err)
	revRef, err := blobs.Put(ctx, "uploads/rev.pdf", []byte("2"), blob.ContentTypePDF)
	require.NoError(t, err)

	_, err = orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	for _, status := range seen {
		assert.Equal(t, storage.JobStatusInProgress, status)
	}
}

func TestCreateJobValidation(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.CreateJob(context.Background(), "", "x", "")
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestCreateJobExtractionFailureLeavesNoJob(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.CreateJob(context.Background(), "uploads/missing.pdf", "uploads/other.pdf", "")

	var extractionErr *ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Empty(t, e.jobs.jobs)
	assert.Empty(t, e.stages.records)
	assert.Zero(t, e.channel.Pending(queue.TopicOCR))
}

func TestOCRCompletionDispatchesDiffOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 1, 1)
	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindOCR, 1, "ocr.json"))
	assert.Equal(t, 1, e.channel.Pending(queue.TopicDiff))

	// A duplicate delivery of the same completion must not publish again.
	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindOCR, 1, "ocr.json"))
	assert.Equal(t, 1, e.channel.Pending(queue.TopicDiff))

	rec, err := e.stages.GetByKey(ctx, jobID, storage.StageKindDiff, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.StageStatusPending, rec.Status)
}

func TestDiffCompletionDispatchesSummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 1, 1)
	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindOCR, 1, "ocr.json"))
	e.diffs.put(&storage.DiffResult{JobID: jobID, PageNumber: 1, OverlayRef: "overlay.png"})
	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindDiff, 1, "overlay.png"))

	assert.Equal(t, 1, e.channel.Pending(queue.TopicSummary))
}

func TestSummaryCompletionFinalizesJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 2, 2)
	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	for page := 1; page <= 2; page++ {
		require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindOCR, page, "ocr.json"))
		e.diffs.put(&storage.DiffResult{JobID: jobID, PageNumber: page, OverlayRef: "overlay.png"})
		require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindDiff, page, "overlay.png"))
		require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindSummary, page, "summary"))
	}

	job, err := e.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, job.Status)
}

func TestPartialFailureStillCompletesJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 2, 2)
	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	// Page 1 completes the full chain.
	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindOCR, 1, "ocr.json"))
	e.diffs.put(&storage.DiffResult{JobID: jobID, PageNumber: 1, OverlayRef: "overlay.png"})
	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindDiff, 1, "overlay.png"))
	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindSummary, 1, "summary"))

	// Page 2 fails permanently at OCR.
	permErr := NewPermanentStageError("ocr", errors.New("unreadable scan"))
	require.NoError(t, e.orch.OnStageFailed(ctx, jobID, storage.StageKindOCR, 2, permErr, 0))

	job, err := e.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCompleted, job.Status)
}

func TestAllPagesFailedFailsJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 1, 1)
	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	permErr := NewPermanentStageError("ocr", errors.New("unreadable scan"))
	require.NoError(t, e.orch.OnStageFailed(ctx, jobID, storage.StageKindOCR, 1, permErr, 0))

	job, err := e.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
}

func TestTransientFailureRequeuesUntilBudgetExhausted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 1, 1)
	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	transient := NewStageError("ocr", errors.New("timeout"))

	// Under the budget (MaxRetries 2): back to pending, republished.
	require.NoError(t, e.orch.OnStageFailed(ctx, jobID, storage.StageKindOCR, 1, transient, 0))
	rec, err := e.stages.GetByKey(ctx, jobID, storage.StageKindOCR, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.StageStatusPending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, 2, e.channel.Pending(queue.TopicOCR)) // initial + retry

	require.NoError(t, e.orch.OnStageFailed(ctx, jobID, storage.StageKindOCR, 1, transient, 1))
	assert.Equal(t, 3, e.channel.Pending(queue.TopicOCR))

	// At the budget: failed permanently, no republish.
	require.NoError(t, e.orch.OnStageFailed(ctx, jobID, storage.StageKindOCR, 1, transient, 2))
	rec, err = e.stages.GetByKey(ctx, jobID, storage.StageKindOCR, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.StageStatusFailed, rec.Status)
	assert.Equal(t, 3, e.channel.Pending(queue.TopicOCR))
}

func TestCancelJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	baseRef, revRef := e.uploadDocs(t, 1, 1)
	jobID, err := e.orch.CreateJob(ctx, baseRef, revRef, "")
	require.NoError(t, err)

	require.NoError(t, e.orch.CancelJob(ctx, jobID))
	job, err := e.jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusCancelled, job.Status)

	// Cancelling again conflicts.
	err = e.orch.CancelJob(ctx, jobID)
	var conflictErr *ConflictError
	assert.ErrorAs(t, err, &conflictErr)

	// A worker picking up in-flight work afterward sees the terminal job.
	picked, err := e.orch.BeginStage(ctx, jobID, storage.StageKindOCR, 1)
	require.NoError(t, err)
	assert.True(t, picked.Status.Terminal())

	// Completions arriving after cancellation do not dispatch new stages.
	require.NoError(t, e.orch.OnStageComplete(ctx, jobID, storage.StageKindOCR, 1, "ocr.json"))
	assert.Zero(t, e.channel.Pending(queue.TopicDiff))
}
