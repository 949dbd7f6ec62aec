package sources

import (
	"context"
	"database/sql"
	"errors"
)

// PGRepo implements SourcesRepo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const sourceColumns = `id, organization_id, created_by, file_name, storage_key, original_chars, masked_chars, pseudonymization_mode, preview, created_at`

// Create inserts a new source record.
func (r *PGRepo) Create(ctx context.Context, src Source) error {
	const query = `
INSERT INTO sources (
    id,
    organization_id,
    created_by,
    file_name,
    storage_key,
    original_chars,
    masked_chars,
    pseudonymization_mode,
    preview,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.DB.ExecContext(
		ctx,
		query,
		src.ID,
		src.OrganizationID,
		src.CreatedBy,
		src.FileName,
		src.StorageKey,
		src.OriginalChars,
		src.MaskedChars,
		src.PseudonymizationMode,
		src.Preview,
		src.CreatedAt,
	)
	return err
}

// GetByID fetches a source by ID.
func (r *PGRepo) GetByID(ctx context.Context, id string) (Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1 LIMIT 1`

	var src Source
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&src.ID,
		&src.OrganizationID,
		&src.CreatedBy,
		&src.FileName,
		&src.StorageKey,
		&src.OriginalChars,
		&src.MaskedChars,
		&src.PseudonymizationMode,
		&src.Preview,
		&src.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Source{}, ErrNotFound
		}
		return Source{}, err
	}
	return src, nil
}

// ListByOrg lists sources for an organization, newest first.
func (r *PGRepo) ListByOrg(ctx context.Context, orgID string, limit, offset int) ([]Source, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(
			&src.ID,
			&src.OrganizationID,
			&src.CreatedBy,
			&src.FileName,
			&src.StorageKey,
			&src.OriginalChars,
			&src.MaskedChars,
			&src.PseudonymizationMode,
			&src.Preview,
			&src.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ClaimGuest moves a guest organization's sources to an authenticated one.
func (r *PGRepo) ClaimGuest(ctx context.Context, guestOrgID, authedOrgID, authedUserID string) (int, error) {
	const query = `UPDATE sources SET organization_id = $1, created_by = $2 WHERE organization_id = $3`
	res, err := r.DB.ExecContext(ctx, query, authedOrgID, authedUserID, guestOrgID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ SourcesRepo = (*PGRepo)(nil)
