package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatlens-backend/internal/llm"
	"chatlens-backend/internal/shared/metrics"
	"chatlens-backend/internal/shared/telemetry"
)

// SourceProvider resolves a job's source reference to its masked text.
type SourceProvider interface {
	MaskedText(ctx context.Context, sourceID string) (string, error)
}

// Engine owns the end-to-end state machine for one analysis job: planning,
// sequential chunk processing with rolling context, consolidation, and the
// pause/partial/resume bookkeeping. Chunks are processed strictly in index
// order because each refine step must see its predecessors' results.
type Engine struct {
	Repo    Repo
	Sources SourceProvider
	Gateway llm.Gateway

	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine constructs an Engine with the given collaborators.
func NewEngine(repo Repo, sources SourceProvider, gateway llm.Gateway, cfg Config) *Engine {
	return &Engine{
		Repo:    repo,
		Sources: sources,
		Gateway: gateway,
		cfg:     cfg.withDefaults(),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes or resumes one job until it reaches a terminal or paused
// status. Job-level failures are captured into the job record and reported
// via the returned error; chunk-level failures never abort the run.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job lookup %s: %w", jobID, err)
	}
	if job.Status == StatusCompleted || job.Status == StatusCancelled {
		return nil
	}

	strat, ok := StrategyFor(job.TaskType)
	if !ok {
		return e.failJob(ctx, &job, fmt.Errorf("%w: %s", ErrInvalidTaskType, job.TaskType))
	}

	now := time.Now().UTC()
	job.Status = StatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.PauseReason = ""
	job.RateLimitWaitUntil = nil
	job.ErrorMessage = ""
	if err := e.Repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	metrics.IncJobStarted()
	telemetry.Info("analysis.job.status", map[string]any{
		"job_id": job.ID, "status": StatusProcessing, "task_type": job.TaskType, "model": job.Model,
	})

	text, err := e.Sources.MaskedText(ctx, job.SourceID)
	if err != nil {
		return e.failJob(ctx, &job, fmt.Errorf("source lookup %s: %w", job.SourceID, err))
	}

	if err := e.ensureChunks(ctx, &job, text); err != nil {
		return e.failJob(ctx, &job, err)
	}

	// Failed chunks are retried only after ResetFailedChunks put them back
	// in pending; claiming them as-is would burn their exhausted retry
	// budget and double-count them.
	claimable, err := e.Repo.ListChunksByStatus(ctx, job.ID, ChunkPending, ChunkProcessing)
	if err != nil {
		return e.failJob(ctx, &job, fmt.Errorf("list claimable chunks: %w", err))
	}

	done, err := e.Repo.ListChunksByStatus(ctx, job.ID, ChunkCompleted)
	if err != nil {
		return e.failJob(ctx, &job, fmt.Errorf("list completed chunks: %w", err))
	}

	var acc ContextAccumulator
	var chunkTimes []int

	for pos, chunk := range claimable {
		if cancelled, err := e.checkCancelled(ctx, &job); err != nil || cancelled {
			return err
		}

		if chunk.EndChar > len(text) {
			chunk.EndChar = len(text)
		}
		chunkText := text[chunk.StartChar:chunk.EndChar]

		job.CurrentStep = fmt.Sprintf("Processando chunk %d/%d", chunk.Index+1, job.TotalChunks)
		e.persistJob(ctx, &job)

		acc.Rebuild(done, chunk.Index)
		outcome := e.processChunk(ctx, &job, chunk, chunkText, acc.Context(), strat)

		job.ProcessedChunks++
		if outcome.completed {
			job.CompletedChunks++
			chunkTimes = append(chunkTimes, outcome.chunk.ProcessingTimeMs)
			e.updateTiming(&job, chunkTimes)
			done = append(done, outcome.chunk)
			metrics.IncChunkCompleted()
			metrics.ObserveChunkDurationMs(float64(outcome.chunk.ProcessingTimeMs))
		} else {
			job.FailedChunks++
			metrics.IncChunkFailed()
		}
		job.CurrentStep = fmt.Sprintf("Chunk %d/%d processado", chunk.Index+1, job.TotalChunks)
		e.persistJob(ctx, &job)

		if !outcome.completed && outcome.rateLimited {
			// Exhausted rate-limit retries signal a systemic problem, not a
			// per-chunk one: stop before the next chunk and wait for an
			// operator resume (possibly with another model).
			job.Status = StatusPaused
			job.PauseReason = fmt.Sprintf("Rate limit persistente após %d tentativas no chunk %d. Considere retomar com outro modelo.", e.cfg.MaxRetries, chunk.Index+1)
			e.persistJob(ctx, &job)
			metrics.IncJobPaused()
			telemetry.Info("analysis.job.status", map[string]any{
				"job_id": job.ID, "status": StatusPaused, "failed_chunk": chunk.Index,
			})
			return nil
		}

		if outcome.completed && pos < len(claimable)-1 {
			if err := e.sleep(ctx, e.cfg.InterChunkDelay); err != nil {
				return e.failJob(ctx, &job, err)
			}
		}
	}

	if job.FailedChunks > 0 {
		if job.CompletedChunks > 0 {
			job.Status = StatusPartial
			job.PauseReason = fmt.Sprintf("%d chunks falharam. Pode retomar com outro modelo.", job.FailedChunks)
			e.persistJob(ctx, &job)
			telemetry.Info("analysis.job.status", map[string]any{
				"job_id": job.ID, "status": StatusPartial,
				"completed": job.CompletedChunks, "failed": job.FailedChunks,
			})
			return nil
		}
		return e.failJob(ctx, &job, fmt.Errorf("nenhum chunk processado com sucesso"))
	}

	if cancelled, err := e.checkCancelled(ctx, &job); err != nil || cancelled {
		return err
	}

	return e.Consolidate(ctx, &job, strat)
}

// ensureChunks plans and bulk-creates chunk rows once. Re-entry after a crash
// finds existing rows and skips creation so boundaries stay stable.
func (e *Engine) ensureChunks(ctx context.Context, job *Job, text string) error {
	existing, err := e.Repo.CountChunks(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}
	if existing > 0 {
		if job.TotalChunks != existing {
			job.TotalChunks = existing
			e.persistJob(ctx, job)
		}
		return nil
	}

	bounds, err := PlanChunks(text, job.Model)
	if err != nil {
		return err
	}

	chunks := make([]Chunk, 0, len(bounds))
	for _, b := range bounds {
		chunks = append(chunks, Chunk{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			Index:       b.Index,
			TotalChunks: len(bounds),
			StartChar:   b.Start,
			EndChar:     b.End,
			Status:      ChunkPending,
			MaxRetries:  e.cfg.MaxRetries,
		})
	}
	if err := e.Repo.CreateChunks(ctx, chunks); err != nil {
		return fmt.Errorf("create chunks: %w", err)
	}

	job.TotalChunks = len(chunks)
	e.persistJob(ctx, job)
	telemetry.Info("analysis.job.planned", map[string]any{
		"job_id": job.ID, "total_chunks": len(chunks), "model": job.Model, "text_chars": len(text),
	})
	return nil
}

// Consolidate merges all completed chunk results into the final report. It
// can be invoked on its own to retry a failed consolidation without
// reprocessing chunks.
func (e *Engine) Consolidate(ctx context.Context, job *Job, strat Strategy) error {
	completed, err := e.Repo.ListChunksByStatus(ctx, job.ID, ChunkCompleted)
	if err != nil {
		return e.failJob(ctx, job, fmt.Errorf("list completed chunks: %w", err))
	}
	if len(completed) == 0 {
		return e.failJob(ctx, job, fmt.Errorf("nenhum chunk processado com sucesso"))
	}

	job.CurrentStep = "Consolidando resultados"
	e.persistJob(ctx, job)

	resp, err := e.Gateway.Complete(ctx, llm.Request{
		Prompt:      strat.ConsolidatePrompt(renderExtractions(completed), job.DetailLevel),
		Model:       job.Model,
		Temperature: consolidateTemperature,
		MaxTokens:   consolidateMaxTokens,
		Timeout:     e.cfg.CallTimeout,
	})
	if err != nil {
		// Chunk work stays queryable; only the synthesis step failed.
		return e.failJob(ctx, job, fmt.Errorf("consolidação: %w", err))
	}

	now := time.Now().UTC()
	job.FinalResult = resp.Text
	job.TokensUsed += resp.TokensUsed
	job.Status = StatusCompleted
	job.CurrentStep = "Concluído"
	job.CompletedAt = &now
	job.ErrorMessage = ""
	e.persistJob(ctx, job)
	metrics.IncJobCompleted()
	if job.StartedAt != nil {
		metrics.ObserveJobDurationMs(float64(now.Sub(*job.StartedAt).Milliseconds()))
	}
	telemetry.Info("analysis.job.status", map[string]any{
		"job_id": job.ID, "status": StatusCompleted, "chunks": len(completed),
	})
	return nil
}

func renderExtractions(chunks []Chunk) string {
	out := ""
	for i, c := range chunks {
		data, err := json.Marshal(c.Result)
		if err != nil {
			data = []byte(c.RawResponse)
		}
		if i > 0 {
			out += "\n\n"
		}
		out += fmt.Sprintf("### Chunk %d:\n%s", c.Index+1, data)
	}
	return out
}

// checkCancelled honors a cooperative cancellation request between chunks.
func (e *Engine) checkCancelled(ctx context.Context, job *Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, e.failJob(ctx, job, err)
	}
	fresh, err := e.Repo.GetJob(ctx, job.ID)
	if err != nil {
		return false, nil
	}
	if !fresh.CancelRequested {
		return false, nil
	}
	now := time.Now().UTC()
	job.CancelRequested = true
	job.Status = StatusCancelled
	job.CurrentStep = "Cancelado"
	job.CompletedAt = &now
	e.persistJob(ctx, job)
	telemetry.Info("analysis.job.status", map[string]any{
		"job_id": job.ID, "status": StatusCancelled,
	})
	return true, nil
}

func (e *Engine) updateTiming(job *Job, chunkTimes []int) {
	if len(chunkTimes) == 0 {
		return
	}
	sum := 0
	for _, t := range chunkTimes {
		sum += t
	}
	avg := sum / len(chunkTimes)
	job.AvgChunkTimeMs = avg

	remaining := job.TotalChunks - job.CompletedChunks
	if remaining > 0 && avg > 0 {
		eta := time.Now().UTC().Add(time.Duration(remaining*avg) * time.Millisecond)
		job.EstimatedCompletion = &eta
	} else {
		job.EstimatedCompletion = nil
	}
}

func (e *Engine) failJob(ctx context.Context, job *Job, cause error) error {
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.ErrorMessage = trimError(cause)
	job.CompletedAt = &now
	e.persistJob(ctx, job)
	metrics.IncJobFailed()
	telemetry.Error("analysis.job.status", map[string]any{
		"job_id": job.ID, "status": StatusFailed, "error": trimError(cause),
	})
	return cause
}

func (e *Engine) persistJob(ctx context.Context, job *Job) {
	// UpdateJob writes every field, so pick up a cancellation flag set
	// concurrently by the API before overwriting the row.
	if !job.CancelRequested {
		if fresh, err := e.Repo.GetJob(ctx, job.ID); err == nil && fresh.CancelRequested {
			job.CancelRequested = true
		}
	}
	if err := e.Repo.UpdateJob(ctx, *job); err != nil {
		telemetry.Error("analysis.job.persist", map[string]any{
			"job_id": job.ID, "error": err.Error(),
		})
	}
}

func (e *Engine) persistChunk(ctx context.Context, chunk Chunk) {
	if err := e.Repo.UpdateChunk(ctx, chunk); err != nil {
		telemetry.Error("analysis.chunk.persist", map[string]any{
			"job_id": chunk.JobID, "chunk_index": chunk.Index, "error": err.Error(),
		})
	}
}

func rateLimitWaitReason(waitSeconds int) string {
	return fmt.Sprintf("Rate limit atingido. Aguardando %ds...", waitSeconds)
}
