package sources

import "context"

// SourcesRepo defines persistence operations for sources.
type SourcesRepo interface {
	Create(ctx context.Context, src Source) error
	GetByID(ctx context.Context, id string) (Source, error)
	ListByOrg(ctx context.Context, orgID string, limit, offset int) ([]Source, error)
}
