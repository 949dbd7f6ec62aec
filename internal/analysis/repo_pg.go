package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const jobColumns = `
	id, organization_id, created_by, source_id, task_type, detail_level, model, status,
	total_chunks, processed_chunks, completed_chunks, failed_chunks,
	current_step, final_result, tokens_used,
	error_message, pause_reason, rate_limit_wait_until, cancel_requested,
	avg_chunk_time_ms, estimated_completion,
	created_at, started_at, completed_at`

// CreateJob inserts a new job.
func (r *PGRepo) CreateJob(ctx context.Context, job Job) error {
	const query = `
INSERT INTO analysis_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`
	_, err := r.DB.ExecContext(ctx, query,
		job.ID, job.OrganizationID, job.CreatedBy, job.SourceID, job.TaskType, job.DetailLevel, job.Model, job.Status,
		job.TotalChunks, job.ProcessedChunks, job.CompletedChunks, job.FailedChunks,
		nullString(job.CurrentStep), nullString(job.FinalResult), job.TokensUsed,
		nullString(job.ErrorMessage), nullString(job.PauseReason), job.RateLimitWaitUntil, job.CancelRequested,
		job.AvgChunkTimeMs, job.EstimatedCompletion,
		job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	return err
}

// GetJob returns a job by ID.
func (r *PGRepo) GetJob(ctx context.Context, jobID string) (Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = $1`
	return scanJob(r.DB.QueryRowContext(ctx, query, jobID))
}

// UpdateJob persists all mutable job fields.
func (r *PGRepo) UpdateJob(ctx context.Context, job Job) error {
	const query = `
UPDATE analysis_jobs SET
	task_type = $2, detail_level = $3, model = $4, status = $5,
	total_chunks = $6, processed_chunks = $7, completed_chunks = $8, failed_chunks = $9,
	current_step = $10, final_result = $11, tokens_used = $12,
	error_message = $13, pause_reason = $14, rate_limit_wait_until = $15, cancel_requested = $16,
	avg_chunk_time_ms = $17, estimated_completion = $18,
	started_at = $19, completed_at = $20
WHERE id = $1`
	res, err := r.DB.ExecContext(ctx, query,
		job.ID, job.TaskType, job.DetailLevel, job.Model, job.Status,
		job.TotalChunks, job.ProcessedChunks, job.CompletedChunks, job.FailedChunks,
		nullString(job.CurrentStep), nullString(job.FinalResult), job.TokensUsed,
		nullString(job.ErrorMessage), nullString(job.PauseReason), job.RateLimitWaitUntil, job.CancelRequested,
		job.AvgChunkTimeMs, job.EstimatedCompletion,
		job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns an organization's jobs newest-first.
func (r *PGRepo) ListJobs(ctx context.Context, organizationID string, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + jobColumns + `
FROM analysis_jobs WHERE organization_id = $1
ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, organizationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const chunkColumns = `
	id, job_id, chunk_index, total_chunks, start_char, end_char,
	prompt, raw_response, result, refined,
	status, retry_count, max_retries, error_message, error_code,
	processing_time_ms, rate_limit_delay_s,
	started_at, completed_at, last_retry_at`

// CreateChunks bulk-inserts planned chunks inside one transaction.
func (r *PGRepo) CreateChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const query = `
INSERT INTO analysis_chunks (` + chunkColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	for _, c := range chunks {
		resultPayload, err := marshalJSONB(c.Result)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			c.ID, c.JobID, c.Index, c.TotalChunks, c.StartChar, c.EndChar,
			nullString(c.Prompt), nullString(c.RawResponse), resultPayload, c.Refined,
			c.Status, c.RetryCount, c.MaxRetries, nullString(c.ErrorMessage), nullString(c.ErrorCode),
			c.ProcessingTimeMs, c.RateLimitDelayS,
			c.StartedAt, c.CompletedAt, c.LastRetryAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountChunks returns the number of chunk rows for a job.
func (r *PGRepo) CountChunks(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_chunks WHERE job_id = $1`, jobID).Scan(&count)
	return count, err
}

// ListChunks returns a job's chunks ordered by index.
func (r *PGRepo) ListChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	const query = `SELECT ` + chunkColumns + `
FROM analysis_chunks WHERE job_id = $1 ORDER BY chunk_index ASC`
	return r.queryChunks(ctx, query, jobID)
}

// ListChunksByStatus filters a job's chunks by status, ordered by index.
func (r *PGRepo) ListChunksByStatus(ctx context.Context, jobID string, statuses ...string) ([]Chunk, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, jobID)
	for i, s := range statuses {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, s)
	}
	query := `SELECT ` + chunkColumns + `
FROM analysis_chunks WHERE job_id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)
ORDER BY chunk_index ASC`
	return r.queryChunks(ctx, query, args...)
}

// UpdateChunk persists all mutable chunk fields.
func (r *PGRepo) UpdateChunk(ctx context.Context, chunk Chunk) error {
	resultPayload, err := marshalJSONB(chunk.Result)
	if err != nil {
		return err
	}
	const query = `
UPDATE analysis_chunks SET
	prompt = $3, raw_response = $4, result = $5, refined = $6,
	status = $7, retry_count = $8, error_message = $9, error_code = $10,
	processing_time_ms = $11, rate_limit_delay_s = $12,
	started_at = $13, completed_at = $14, last_retry_at = $15
WHERE job_id = $1 AND chunk_index = $2`
	res, err := r.DB.ExecContext(ctx, query,
		chunk.JobID, chunk.Index,
		nullString(chunk.Prompt), nullString(chunk.RawResponse), resultPayload, chunk.Refined,
		chunk.Status, chunk.RetryCount, nullString(chunk.ErrorMessage), nullString(chunk.ErrorCode),
		chunk.ProcessingTimeMs, chunk.RateLimitDelayS,
		chunk.StartedAt, chunk.CompletedAt, chunk.LastRetryAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetFailedChunks moves failed chunks back to pending, clearing errors.
func (r *PGRepo) ResetFailedChunks(ctx context.Context, jobID string) (int, error) {
	const query = `
UPDATE analysis_chunks SET
	status = 'pending', retry_count = 0, error_message = NULL, error_code = NULL
WHERE job_id = $1 AND status = 'failed'`
	res, err := r.DB.ExecContext(ctx, query, jobID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PGRepo) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var currentStep, finalResult, errorMessage, pauseReason sql.NullString
	var rateLimitWaitUntil, estimatedCompletion, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.OrganizationID, &job.CreatedBy, &job.SourceID, &job.TaskType, &job.DetailLevel, &job.Model, &job.Status,
		&job.TotalChunks, &job.ProcessedChunks, &job.CompletedChunks, &job.FailedChunks,
		&currentStep, &finalResult, &job.TokensUsed,
		&errorMessage, &pauseReason, &rateLimitWaitUntil, &job.CancelRequested,
		&job.AvgChunkTimeMs, &estimatedCompletion,
		&job.CreatedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}

	job.CurrentStep = currentStep.String
	job.FinalResult = finalResult.String
	job.ErrorMessage = errorMessage.String
	job.PauseReason = pauseReason.String
	job.RateLimitWaitUntil = timePtr(rateLimitWaitUntil)
	job.EstimatedCompletion = timePtr(estimatedCompletion)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func scanChunk(row rowScanner) (Chunk, error) {
	var chunk Chunk
	var prompt, rawResponse, errorMessage, errorCode sql.NullString
	var result []byte
	var startedAt, completedAt, lastRetryAt sql.NullTime

	err := row.Scan(
		&chunk.ID, &chunk.JobID, &chunk.Index, &chunk.TotalChunks, &chunk.StartChar, &chunk.EndChar,
		&prompt, &rawResponse, &result, &chunk.Refined,
		&chunk.Status, &chunk.RetryCount, &chunk.MaxRetries, &errorMessage, &errorCode,
		&chunk.ProcessingTimeMs, &chunk.RateLimitDelayS,
		&startedAt, &completedAt, &lastRetryAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, err
	}

	chunk.Prompt = prompt.String
	chunk.RawResponse = rawResponse.String
	chunk.ErrorMessage = errorMessage.String
	chunk.ErrorCode = errorCode.String
	chunk.StartedAt = timePtr(startedAt)
	chunk.CompletedAt = timePtr(completedAt)
	chunk.LastRetryAt = timePtr(lastRetryAt)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &chunk.Result); err != nil {
			chunk.Result = map[string]any{"raw_response": string(result)}
		}
	}
	return chunk, nil
}

func marshalJSONB(value map[string]any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ClaimGuest moves a guest organization's jobs to an authenticated one.
func (r *PGRepo) ClaimGuest(ctx context.Context, guestOrgID, authedOrgID, authedUserID string) (int, error) {
	const query = `UPDATE analysis_jobs SET organization_id = $1, created_by = $2 WHERE organization_id = $3`
	res, err := r.DB.ExecContext(ctx, query, authedOrgID, authedUserID, guestOrgID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
