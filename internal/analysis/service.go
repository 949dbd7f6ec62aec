package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatlens-backend/internal/queue"
	"chatlens-backend/internal/shared/telemetry"
	"chatlens-backend/internal/usage"
)

// Service contains business logic for analysis jobs. Processing itself is
// handed to the Engine, either through the queue or inline when no queue is
// configured.
type Service struct {
	Repo         Repo
	Sources      SourceProvider
	Engine       *Engine
	Queue        queue.Client
	Usage        *usage.Service
	DefaultModel string
}

// Create validates the request and enqueues a new analysis job in pending.
func (s *Service) Create(ctx context.Context, sourceID, organizationID, userID, taskType, detailLevel, model string) (Job, error) {
	if sourceID == "" || organizationID == "" || userID == "" {
		return Job{}, errors.New("sourceID, organizationID and userID are required")
	}
	if _, ok := StrategyFor(taskType); !ok {
		return Job{}, fmt.Errorf("%w: %s (opções: %s)", ErrInvalidTaskType, taskType, strings.Join(TaskTypes(), ", "))
	}
	if detailLevel == "" {
		detailLevel = DetailNormal
	}
	if !ValidDetailLevel(detailLevel) {
		return Job{}, fmt.Errorf("invalid detail level: %s", detailLevel)
	}
	if model == "" {
		model = s.DefaultModel
	}
	if model == "" {
		model = "gpt-4-turbo"
	}

	text, err := s.Sources.MaskedText(ctx, sourceID)
	if err != nil {
		return Job{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Job{}, ErrEmptySource
	}

	if s.Usage != nil {
		ok, _, err := s.Usage.CanConsume(ctx, organizationID, 1)
		if err != nil {
			return Job{}, err
		}
		if !ok {
			return Job{}, usage.ErrLimitReached
		}
	}

	job := Job{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		CreatedBy:      userID,
		SourceID:       sourceID,
		TaskType:       taskType,
		DetailLevel:    detailLevel,
		Model:          model,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.Repo.CreateJob(ctx, job); err != nil {
		return Job{}, err
	}

	if s.Usage != nil {
		if _, err := s.Usage.Consume(ctx, organizationID, 1); err != nil {
			telemetry.Error("analysis.usage.consume", map[string]any{"job_id": job.ID, "error": err.Error()})
		}
	}

	s.dispatch(ctx, job.ID)
	return job, nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		return Job{}, errors.New("jobID is required")
	}
	return s.Repo.GetJob(ctx, jobID)
}

// List returns an organization's jobs newest-first.
func (s *Service) List(ctx context.Context, organizationID string, limit, offset int) ([]Job, error) {
	if organizationID == "" {
		return nil, errors.New("organizationID is required")
	}
	return s.Repo.ListJobs(ctx, organizationID, limit, offset)
}

// Chunks returns a job's chunk records ordered by index.
func (s *Service) Chunks(ctx context.Context, jobID string) ([]Chunk, error) {
	if _, err := s.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.Repo.ListChunks(ctx, jobID)
}

// Process runs a job to its next stable status. Invoked by the queue worker
// and by the inline fallback.
func (s *Service) Process(ctx context.Context, jobID string) error {
	return s.Engine.Run(ctx, jobID)
}

// Progress assembles a coherent snapshot of a job from its chunk rows.
func (s *Service) Progress(ctx context.Context, jobID string) (Progress, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return Progress{}, err
	}
	chunks, err := s.Repo.ListChunks(ctx, jobID)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{
		JobID:               job.ID,
		SourceID:            job.SourceID,
		TaskType:            job.TaskType,
		Model:               job.Model,
		Status:              job.Status,
		PauseReason:         job.PauseReason,
		TotalChunks:         job.TotalChunks,
		StartedAt:           job.StartedAt,
		EstimatedCompletion: job.EstimatedCompletion,
		AvgChunkTimeMs:      job.AvgChunkTimeMs,
	}
	if len(chunks) > p.TotalChunks {
		p.TotalChunks = len(chunks)
	}

	for _, c := range chunks {
		switch c.Status {
		case ChunkCompleted:
			p.CompletedChunks++
		case ChunkFailed:
			p.FailedChunks++
		case ChunkPending:
			p.PendingChunks++
		case ChunkProcessing:
			p.ProcessingChunks++
		}
		p.Chunks = append(p.Chunks, ChunkProgress{
			Index:            c.Index,
			Status:           c.Status,
			RetryCount:       c.RetryCount,
			ErrorMessage:     c.ErrorMessage,
			ErrorCode:        c.ErrorCode,
			ProcessingTimeMs: c.ProcessingTimeMs,
			RateLimitDelayS:  c.RateLimitDelayS,
		})
	}

	if p.TotalChunks > 0 {
		p.ProgressPercent = float64(p.CompletedChunks) / float64(p.TotalChunks) * 100
	}
	// A completed job always reads 100%, even if counters drifted.
	if job.Status == StatusCompleted {
		p.ProgressPercent = 100
	}

	if job.AvgChunkTimeMs > 0 {
		if remaining := p.TotalChunks - p.CompletedChunks; remaining > 0 {
			p.EstimatedRemainingSeconds = remaining * job.AvgChunkTimeMs / 1000
		}
	}

	if job.RateLimitWaitUntil != nil {
		if wait := time.Until(*job.RateLimitWaitUntil); wait > 0 {
			p.RateLimit = &RateLimitWait{
				Waiting:          true,
				WaitUntil:        *job.RateLimitWaitUntil,
				RemainingSeconds: int(wait.Seconds()),
			}
		}
	}

	p.CanResume = CanResumeFrom(job.Status) && p.FailedChunks > 0
	p.CanChangeModel = p.CanResume
	return p, nil
}

// Resume continues a paused, partial or failed job, optionally with a new
// model for the remaining chunks and optionally retrying failed ones.
// Completed chunks are never recomputed.
func (s *Service) Resume(ctx context.Context, jobID, newModel string, resetFailedChunks bool) (Job, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	switch job.Status {
	case StatusPending, StatusProcessing:
		return Job{}, fmt.Errorf("%w: status %s", ErrAlreadyRunning, job.Status)
	}
	if !CanResumeFrom(job.Status) {
		return Job{}, fmt.Errorf("%w: status %s", ErrNotResumable, job.Status)
	}

	if newModel != "" {
		job.Model = newModel
	}
	if resetFailedChunks {
		if _, err := s.Repo.ResetFailedChunks(ctx, jobID); err != nil {
			return Job{}, err
		}
		job.FailedChunks = 0
		job.ProcessedChunks = job.CompletedChunks
	}

	job.Status = StatusProcessing
	job.PauseReason = ""
	job.RateLimitWaitUntil = nil
	job.ErrorMessage = ""
	job.CancelRequested = false
	job.CompletedAt = nil
	if err := s.Repo.UpdateJob(ctx, job); err != nil {
		return Job{}, err
	}

	telemetry.Info("analysis.job.resume", map[string]any{
		"job_id": job.ID, "new_model": newModel, "reset_failed": resetFailedChunks,
	})
	s.dispatch(ctx, job.ID)
	return job, nil
}

// Cancel requests cooperative cancellation. A pending job is cancelled
// immediately; a processing one stops before its next chunk.
func (s *Service) Cancel(ctx context.Context, jobID string) (Job, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	switch job.Status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return job, nil
	}

	job.CancelRequested = true
	if job.Status == StatusPending {
		now := time.Now().UTC()
		job.Status = StatusCancelled
		job.CompletedAt = &now
	}
	if err := s.Repo.UpdateJob(ctx, job); err != nil {
		return Job{}, err
	}
	telemetry.Info("analysis.job.cancel", map[string]any{"job_id": job.ID, "status": job.Status})
	return job, nil
}

// RetryConsolidation re-runs only the final synthesis step of a job whose
// chunk work succeeded but whose consolidation failed.
func (s *Service) RetryConsolidation(ctx context.Context, jobID string) (Job, error) {
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusFailed && job.Status != StatusPartial {
		return Job{}, fmt.Errorf("%w: status %s", ErrNotConsolidable, job.Status)
	}
	completed, err := s.Repo.ListChunksByStatus(ctx, jobID, ChunkCompleted)
	if err != nil {
		return Job{}, err
	}
	if len(completed) == 0 {
		return Job{}, ErrNotConsolidable
	}
	strat, ok := StrategyFor(job.TaskType)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrInvalidTaskType, job.TaskType)
	}

	if err := s.Engine.Consolidate(ctx, &job, strat); err != nil {
		return job, err
	}
	return job, nil
}

// dispatch hands the job to the queue, falling back to an inline goroutine
// when no queue is configured (dev/test setups).
func (s *Service) dispatch(ctx context.Context, jobID string) {
	if s.Queue != nil {
		msg := queue.Message{
			JobID:      jobID,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			Version:    1,
		}
		if err := s.Queue.Send(ctx, msg); err == nil {
			return
		} else {
			telemetry.Error("analysis.enqueue", map[string]any{"job_id": jobID, "error": err.Error()})
		}
	}

	go func() {
		runCtx := backgroundWithRequestID(ctx)
		if err := s.Process(runCtx, jobID); err != nil {
			telemetry.Error("analysis.process", map[string]any{"job_id": jobID, "error": err.Error()})
		}
	}()
}
