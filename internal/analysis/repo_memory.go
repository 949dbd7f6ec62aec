package analysis

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo stores jobs and chunks in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu     sync.RWMutex
	jobs   map[string]Job
	chunks map[string][]Chunk // keyed by job ID, kept sorted by index
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		jobs:   make(map[string]Job),
		chunks: make(map[string][]Chunk),
	}
}

// CreateJob stores the job.
func (r *MemoryRepo) CreateJob(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

// GetJob returns a job by its ID.
func (r *MemoryRepo) GetJob(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// UpdateJob replaces the stored job.
func (r *MemoryRepo) UpdateJob(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	r.jobs[job.ID] = job
	return nil
}

// ListJobs returns an organization's jobs newest-first.
func (r *MemoryRepo) ListJobs(ctx context.Context, organizationID string, limit, offset int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Job
	for _, job := range r.jobs {
		if job.OrganizationID == organizationID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateChunks bulk-inserts chunks for a job.
func (r *MemoryRepo) CreateChunks(ctx context.Context, chunks []Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		r.chunks[c.JobID] = append(r.chunks[c.JobID], c)
	}
	for jobID := range r.chunks {
		sort.Slice(r.chunks[jobID], func(i, j int) bool {
			return r.chunks[jobID][i].Index < r.chunks[jobID][j].Index
		})
	}
	return nil
}

// CountChunks returns the number of chunks stored for a job.
func (r *MemoryRepo) CountChunks(ctx context.Context, jobID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks[jobID]), nil
}

// ListChunks returns a job's chunks ordered by index.
func (r *MemoryRepo) ListChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chunk, len(r.chunks[jobID]))
	copy(out, r.chunks[jobID])
	return out, nil
}

// ListChunksByStatus filters a job's chunks by status, ordered by index.
func (r *MemoryRepo) ListChunksByStatus(ctx context.Context, jobID string, statuses ...string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []Chunk
	for _, c := range r.chunks[jobID] {
		if wanted[c.Status] {
			out = append(out, c)
		}
	}
	return out, nil
}

// UpdateChunk replaces the stored chunk matching on job ID and index.
func (r *MemoryRepo) UpdateChunk(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.chunks[chunk.JobID]
	for i, c := range list {
		if c.Index == chunk.Index {
			list[i] = chunk
			return nil
		}
	}
	return ErrNotFound
}

// ResetFailedChunks moves failed chunks back to pending.
func (r *MemoryRepo) ResetFailedChunks(ctx context.Context, jobID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	reset := 0
	list := r.chunks[jobID]
	for i, c := range list {
		if c.Status != ChunkFailed {
			continue
		}
		c.Status = ChunkPending
		c.RetryCount = 0
		c.ErrorMessage = ""
		c.ErrorCode = ""
		list[i] = c
		reset++
	}
	return reset, nil
}

// ClaimGuest moves a guest organization's jobs to an authenticated one.
func (r *MemoryRepo) ClaimGuest(ctx context.Context, guestOrgID, authedOrgID, authedUserID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, job := range r.jobs {
		if job.OrganizationID == guestOrgID {
			job.OrganizationID = authedOrgID
			job.CreatedBy = authedUserID
			r.jobs[id] = job
			count++
		}
	}
	return count, nil
}
