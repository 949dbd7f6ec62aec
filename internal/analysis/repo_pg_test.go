package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

var jobColumnNames = []string{
	"id", "organization_id", "created_by", "source_id", "task_type", "detail_level", "model", "status",
	"total_chunks", "processed_chunks", "completed_chunks", "failed_chunks",
	"current_step", "final_result", "tokens_used",
	"error_message", "pause_reason", "rate_limit_wait_until", "cancel_requested",
	"avg_chunk_time_ms", "estimated_completion",
	"created_at", "started_at", "completed_at",
}

var chunkColumnNames = []string{
	"id", "job_id", "chunk_index", "total_chunks", "start_char", "end_char",
	"prompt", "raw_response", "result", "refined",
	"status", "retry_count", "max_retries", "error_message", "error_code",
	"processing_time_ms", "rate_limit_delay_s",
	"started_at", "completed_at", "last_retry_at",
}

func TestPGRepoCreateJobNullsEmptyStrings(t *testing.T) {
	repo, mock := newMockRepo(t)

	job := Job{
		ID:             "job-1",
		OrganizationID: "org-1",
		CreatedBy:      "user-1",
		SourceID:       "src-1",
		TaskType:       "summary",
		DetailLevel:    DetailNormal,
		Model:          "gpt-4-turbo",
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO analysis_jobs").
		WithArgs(
			job.ID, job.OrganizationID, job.CreatedBy, job.SourceID, job.TaskType, job.DetailLevel, job.Model, job.Status,
			0, 0, 0, 0,
			nil, nil, 0, // current_step, final_result, tokens_used
			nil, nil, nil, false, // error_message, pause_reason, rate_limit_wait_until, cancel_requested
			0, nil,
			job.CreatedAt, nil, nil,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoGetJobScansNullableFields(t *testing.T) {
	repo, mock := newMockRepo(t)

	created := time.Now().UTC().Truncate(time.Second)
	waitUntil := created.Add(35 * time.Second)
	rows := sqlmock.NewRows(jobColumnNames).AddRow(
		"job-1", "org-1", "user-1", "src-1", "summary", "normal", "gpt-4-turbo", "paused",
		3, 1, 0, 1,
		nil, nil, 120,
		nil, "Rate limit persistente", waitUntil, false,
		1500, nil,
		created, created, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM analysis_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := repo.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusPaused || job.PauseReason != "Rate limit persistente" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.CurrentStep != "" || job.FinalResult != "" || job.CompletedAt != nil {
		t.Fatalf("null columns must map to zero values: %+v", job)
	}
	if job.RateLimitWaitUntil == nil || !job.RateLimitWaitUntil.Equal(waitUntil) {
		t.Fatalf("rate_limit_wait_until lost: %+v", job.RateLimitWaitUntil)
	}
}

func TestPGRepoGetJobNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM analysis_jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumnNames))

	if _, err := repo.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoUpdateJobMissingRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE analysis_jobs SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateJob(context.Background(), Job{ID: "missing", Status: StatusProcessing})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRepoCreateChunksSingleTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	chunks := []Chunk{
		{ID: "c0", JobID: "job-1", Index: 0, TotalChunks: 2, StartChar: 0, EndChar: 60000, Status: ChunkPending, MaxRetries: 3},
		{ID: "c1", JobID: "job-1", Index: 1, TotalChunks: 2, StartChar: 50000, EndChar: 110000, Status: ChunkPending, MaxRetries: 3},
	}

	mock.ExpectBegin()
	for _, c := range chunks {
		mock.ExpectExec("INSERT INTO analysis_chunks").
			WithArgs(
				c.ID, c.JobID, c.Index, c.TotalChunks, c.StartChar, c.EndChar,
				nil, nil, nil, false,
				c.Status, 0, c.MaxRetries, nil, nil,
				0, 0,
				nil, nil, nil,
			).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	if err := repo.CreateChunks(context.Background(), chunks); err != nil {
		t.Fatalf("CreateChunks: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoListChunksByStatusExpandsPlaceholders(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows(chunkColumnNames).AddRow(
		"c0", "job-1", 0, 2, 0, 60000,
		nil, nil, []byte(`{"resumo":"ok"}`), true,
		"completed", 1, 3, nil, nil,
		1800, 35,
		nil, nil, nil,
	)
	mock.ExpectQuery("SELECT (.+) FROM analysis_chunks WHERE job_id = \\$1 AND status IN").
		WithArgs("job-1", ChunkPending, ChunkProcessing).
		WillReturnRows(rows)

	chunks, err := repo.ListChunksByStatus(context.Background(), "job-1", ChunkPending, ChunkProcessing)
	if err != nil {
		t.Fatalf("ListChunksByStatus: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Result["resumo"] != "ok" {
		t.Fatalf("jsonb result lost: %+v", c.Result)
	}
	if !c.Refined || c.RetryCount != 1 || c.RateLimitDelayS != 35 {
		t.Fatalf("unexpected chunk: %+v", c)
	}
}

func TestPGRepoListChunksByStatusWithoutStatuses(t *testing.T) {
	repo, _ := newMockRepo(t)

	chunks, err := repo.ListChunksByStatus(context.Background(), "job-1")
	if err != nil || chunks != nil {
		t.Fatalf("expected empty result without statuses, got %v / %v", chunks, err)
	}
}

func TestPGRepoResetFailedChunksReportsCount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE analysis_chunks SET").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ResetFailedChunks(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ResetFailedChunks: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reset chunks, got %d", n)
	}
}
