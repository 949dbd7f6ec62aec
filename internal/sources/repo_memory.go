package sources

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory implementation of SourcesRepo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string]Source
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		data: make(map[string]Source),
	}
}

// Create stores a source record.
func (r *MemoryRepo) Create(ctx context.Context, src Source) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[src.ID] = src
	return nil
}

// GetByID returns a source by ID.
func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return Source{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.data[id]
	if !ok {
		return Source{}, ErrNotFound
	}
	return src, nil
}

// ListByOrg returns sources for an organization, newest first.
func (r *MemoryRepo) ListByOrg(ctx context.Context, orgID string, limit, offset int) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	r.mu.RLock()
	var out []Source
	for _, src := range r.data {
		if src.OrganizationID == orgID {
			out = append(out, src)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return []Source{}, nil
	}
	end := len(out)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}

// ClaimGuest moves a guest organization's sources to an authenticated one.
func (r *MemoryRepo) ClaimGuest(ctx context.Context, guestOrgID, authedOrgID, authedUserID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, src := range r.data {
		if src.OrganizationID == guestOrgID {
			src.OrganizationID = authedOrgID
			src.CreatedBy = authedUserID
			r.data[id] = src
			count++
		}
	}
	return count, nil
}

var _ SourcesRepo = (*MemoryRepo)(nil)
