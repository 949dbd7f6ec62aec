package analysis

import "context"

// Repo defines persistence for jobs and their chunks. The orchestrator
// assumes it is the only writer to a job's rows during an active run.
type Repo interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	ListJobs(ctx context.Context, organizationID string, limit, offset int) ([]Job, error)

	// CreateChunks bulk-inserts planned chunks in pending status.
	CreateChunks(ctx context.Context, chunks []Chunk) error
	CountChunks(ctx context.Context, jobID string) (int, error)
	// ListChunks returns all chunks for a job ordered by ascending index.
	ListChunks(ctx context.Context, jobID string) ([]Chunk, error)
	// ListChunksByStatus filters on the given statuses, ordered by index.
	ListChunksByStatus(ctx context.Context, jobID string, statuses ...string) ([]Chunk, error)
	UpdateChunk(ctx context.Context, chunk Chunk) error
	// ResetFailedChunks moves failed chunks back to pending, clearing error
	// fields and retry counts. Returns how many were reset.
	ResetFailedChunks(ctx context.Context, jobID string) (int, error)
}
