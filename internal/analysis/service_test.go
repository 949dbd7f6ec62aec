package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatlens-backend/internal/llm"
	"chatlens-backend/internal/queue"
)

// recordingQueue captures enqueued messages instead of processing them, so
// service tests control exactly when (and whether) the engine runs.
type recordingQueue struct {
	mu   sync.Mutex
	sent []queue.Message
}

func (q *recordingQueue) Send(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, msg)
	return nil
}

func (q *recordingQueue) messages() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.sent...)
}

func newTestService(t *testing.T, text string, gw llm.Gateway) (*Service, *MemoryRepo, *recordingQueue) {
	t.Helper()
	repo := NewMemoryRepo()
	q := &recordingQueue{}
	svc := &Service{
		Repo:         repo,
		Sources:      staticSource{text: text},
		Engine:       newTestEngine(repo, text, gw),
		Queue:        q,
		DefaultModel: "gpt-4-turbo",
	}
	return svc, repo, q
}

func TestCreateEnqueuesPendingJob(t *testing.T) {
	svc, repo, q := newTestService(t, "uma conversa", &stubGateway{})

	job, err := svc.Create(context.Background(), "src-1", "org-1", "user-1", "summary", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if job.Model != "gpt-4-turbo" {
		t.Fatalf("expected default model, got %s", job.Model)
	}
	if job.DetailLevel != DetailNormal {
		t.Fatalf("expected default detail level, got %s", job.DetailLevel)
	}

	stored, err := repo.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("stored job: %v", err)
	}
	if stored.OrganizationID != "org-1" || stored.CreatedBy != "user-1" {
		t.Fatalf("unexpected ownership: %+v", stored)
	}

	msgs := q.messages()
	if len(msgs) != 1 || msgs[0].JobID != job.ID {
		t.Fatalf("expected 1 enqueued message for the job, got %+v", msgs)
	}
}

func TestCreateRejectsUnknownTaskType(t *testing.T) {
	svc, _, q := newTestService(t, "uma conversa", &stubGateway{})

	_, err := svc.Create(context.Background(), "src-1", "org-1", "user-1", "alchemy", "", "")
	if !errors.Is(err, ErrInvalidTaskType) {
		t.Fatalf("expected ErrInvalidTaskType, got %v", err)
	}
	if len(q.messages()) != 0 {
		t.Fatal("nothing should be enqueued")
	}
}

func TestCreateRejectsEmptySource(t *testing.T) {
	svc, _, _ := newTestService(t, "   \n ", &stubGateway{})

	_, err := svc.Create(context.Background(), "src-1", "org-1", "user-1", "summary", "", "")
	if !errors.Is(err, ErrEmptySource) {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
}

func TestCreateRejectsBadDetailLevel(t *testing.T) {
	svc, _, _ := newTestService(t, "uma conversa", &stubGateway{})

	if _, err := svc.Create(context.Background(), "src-1", "org-1", "user-1", "summary", "verbose", ""); err == nil {
		t.Fatal("expected error for unknown detail level")
	}
}

func TestProgressReflectsChunkRows(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusPartial
	job.TotalChunks = 4
	job.AvgChunkTimeMs = 2000
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}
	now := time.Now().UTC()
	chunks := []Chunk{
		{ID: "c0", JobID: job.ID, Index: 0, TotalChunks: 4, Status: ChunkCompleted, CompletedAt: &now, ProcessingTimeMs: 1800},
		{ID: "c1", JobID: job.ID, Index: 1, TotalChunks: 4, Status: ChunkCompleted, CompletedAt: &now, ProcessingTimeMs: 2200},
		{ID: "c2", JobID: job.ID, Index: 2, TotalChunks: 4, Status: ChunkFailed, RetryCount: 3, ErrorCode: ErrorCodeRateLimit, RateLimitDelayS: 35},
		{ID: "c3", JobID: job.ID, Index: 3, TotalChunks: 4, Status: ChunkPending},
	}
	if err := repo.CreateChunks(context.Background(), chunks); err != nil {
		t.Fatalf("chunks: %v", err)
	}

	p, err := svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.CompletedChunks != 2 || p.FailedChunks != 1 || p.PendingChunks != 1 {
		t.Fatalf("unexpected counts: %+v", p)
	}
	if p.ProgressPercent != 50 {
		t.Fatalf("expected 50%%, got %v", p.ProgressPercent)
	}
	if !p.CanResume || !p.CanChangeModel {
		t.Fatal("partial job with failed chunks should be resumable")
	}
	if p.EstimatedRemainingSeconds != 4 {
		t.Fatalf("expected 4s remaining (2 chunks * 2s), got %d", p.EstimatedRemainingSeconds)
	}
	if p.Chunks[2].ErrorCode != ErrorCodeRateLimit || p.Chunks[2].RateLimitDelayS != 35 {
		t.Fatalf("chunk detail lost: %+v", p.Chunks[2])
	}
}

func TestProgressCompletedJobReadsFull(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusCompleted
	job.TotalChunks = 1
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	p, err := svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.ProgressPercent != 100 {
		t.Fatalf("expected 100%%, got %v", p.ProgressPercent)
	}
	if p.CanResume {
		t.Fatal("completed job is not resumable")
	}
}

func TestResumeSwapsModelAndResetsFailures(t *testing.T) {
	svc, repo, q := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusPaused
	job.TotalChunks = 2
	job.ProcessedChunks = 2
	job.CompletedChunks = 1
	job.FailedChunks = 1
	job.PauseReason = "Rate limit persistente"
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.CreateChunks(context.Background(), []Chunk{
		{ID: "c0", JobID: job.ID, Index: 0, Status: ChunkCompleted},
		{ID: "c1", JobID: job.ID, Index: 1, Status: ChunkFailed, RetryCount: 3, ErrorCode: ErrorCodeRateLimit, ErrorMessage: "rate limited"},
	}); err != nil {
		t.Fatalf("chunks: %v", err)
	}

	resumed, err := svc.Resume(context.Background(), job.ID, "claude-3-sonnet", true)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Model != "claude-3-sonnet" {
		t.Fatalf("expected model swap, got %s", resumed.Model)
	}
	if resumed.Status != StatusProcessing || resumed.PauseReason != "" {
		t.Fatalf("expected processing with cleared pause, got %+v", resumed)
	}
	if resumed.FailedChunks != 0 || resumed.ProcessedChunks != 1 {
		t.Fatalf("counters not rebased: %+v", resumed)
	}

	pending, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkPending)
	if len(pending) != 1 || pending[0].RetryCount != 0 || pending[0].ErrorCode != "" {
		t.Fatalf("failed chunk not reset: %+v", pending)
	}
	completed, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkCompleted)
	if len(completed) != 1 {
		t.Fatal("completed chunk must be untouched")
	}
	if msgs := q.messages(); len(msgs) != 1 || msgs[0].JobID != job.ID {
		t.Fatalf("expected re-enqueue, got %+v", msgs)
	}
}

func TestResumeRejectsActiveJob(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusProcessing
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := svc.Resume(context.Background(), job.ID, "", false); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	job.Status = StatusCompleted
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.Resume(context.Background(), job.ID, "", false); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("expected ErrNotResumable, got %v", err)
	}
}

func TestCancelPendingJobIsImmediate(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")

	cancelled, err := svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("expected immediate cancellation, got %+v", cancelled)
	}
}

func TestCancelProcessingJobSetsFlagOnly(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusProcessing
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusProcessing || !cancelled.CancelRequested {
		t.Fatalf("expected cooperative flag on processing job, got %+v", cancelled)
	}
}

func TestCancelTerminalJobIsNoOp(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusCompleted
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCompleted || got.CancelRequested {
		t.Fatalf("terminal job must be left alone, got %+v", got)
	}
}

func TestRetryConsolidationRequiresCompletedChunks(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusFailed
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := svc.RetryConsolidation(context.Background(), job.ID); !errors.Is(err, ErrNotConsolidable) {
		t.Fatalf("expected ErrNotConsolidable, got %v", err)
	}
}

func TestRetryConsolidationCompletesFailedJob(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.Status = StatusFailed
	job.TotalChunks = 1
	job.ProcessedChunks = 1
	job.CompletedChunks = 1
	job.ErrorMessage = "consolidação: timeout"
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.CreateChunks(context.Background(), []Chunk{
		{ID: "c0", JobID: job.ID, Index: 0, Status: ChunkCompleted, Result: map[string]any{"resumo": "ok"}},
	}); err != nil {
		t.Fatalf("chunks: %v", err)
	}

	got, err := svc.RetryConsolidation(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retry consolidation: %v", err)
	}
	if got.Status != StatusCompleted || got.FinalResult == "" {
		t.Fatalf("expected completed job with result, got %+v", got)
	}
	stored, _ := repo.GetJob(context.Background(), job.ID)
	if stored.Status != StatusCompleted || stored.ErrorMessage != "" {
		t.Fatalf("stored job not finalized: %+v", stored)
	}
}

func TestGetUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t, "uma conversa", &stubGateway{})
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListScopesToOrganization(t *testing.T) {
	svc, repo, _ := newTestService(t, "uma conversa", &stubGateway{})
	seedJob(t, repo, "summary")
	other := Job{
		ID:             "job-2",
		OrganizationID: "org-2",
		CreatedBy:      "user-2",
		SourceID:       "src-2",
		TaskType:       "summary",
		DetailLevel:    DetailNormal,
		Model:          "gpt-4-turbo",
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.CreateJob(context.Background(), other); err != nil {
		t.Fatalf("seed: %v", err)
	}

	jobs, err := svc.List(context.Background(), "org-1", 20, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].OrganizationID != "org-1" {
		t.Fatalf("expected only org-1 jobs, got %+v", jobs)
	}
}
