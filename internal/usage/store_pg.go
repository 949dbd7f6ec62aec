package usage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type pgStore struct {
	DB *sql.DB
}

// NewPGStore constructs a Postgres-backed usage store.
func NewPGStore(db *sql.DB) *pgStore {
	return &pgStore{DB: db}
}

func (s *pgStore) Get(ctx context.Context, organizationID string) (Usage, error) {
	return s.ensure(ctx, organizationID)
}

func (s *pgStore) EnsurePeriod(ctx context.Context, organizationID string) (Usage, error) {
	return s.ensure(ctx, organizationID)
}

func (s *pgStore) Consume(ctx context.Context, organizationID string, n int) (Usage, error) {
	if n <= 0 {
		return s.ensure(ctx, organizationID)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	u, err := s.lockAndEnsure(ctx, tx, organizationID)
	if err != nil {
		return Usage{}, err
	}

	if u.Used+n > u.Limit {
		err = ErrLimitReached
		return Usage{}, err
	}
	u.Used += n
	if _, err = tx.ExecContext(ctx, `
UPDATE org_usage SET used = $1 WHERE organization_id = $2`, u.Used, organizationID); err != nil {
		return Usage{}, err
	}
	if err = tx.Commit(); err != nil {
		return Usage{}, err
	}
	return u, nil
}

func (s *pgStore) Reset(ctx context.Context, organizationID string) (Usage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	resetsAt := time.Now().UTC().Add(defaultPeriod)
	if _, err = tx.ExecContext(ctx, `
INSERT INTO org_usage (organization_id, plan, limit_amount, used, resets_at)
VALUES ($1, $2, $3, 0, $4)
ON CONFLICT (organization_id) DO UPDATE SET used = 0, resets_at = EXCLUDED.resets_at`,
		organizationID, defaultPlan, defaultLimit, resetsAt); err != nil {
		return Usage{}, err
	}
	if err = tx.Commit(); err != nil {
		return Usage{}, err
	}
	return Usage{Plan: defaultPlan, Limit: defaultLimit, Used: 0, ResetsAt: resetsAt}, nil
}

func (s *pgStore) ensure(ctx context.Context, organizationID string) (Usage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	u, err := s.lockAndEnsure(ctx, tx, organizationID)
	if err != nil {
		return Usage{}, err
	}
	if err = tx.Commit(); err != nil {
		return Usage{}, err
	}
	return u, nil
}

func (s *pgStore) lockAndEnsure(ctx context.Context, tx *sql.Tx, organizationID string) (Usage, error) {
	var u Usage
	row := tx.QueryRowContext(ctx, `
SELECT plan, limit_amount, used, resets_at FROM org_usage WHERE organization_id = $1 FOR UPDATE`, organizationID)
	err := row.Scan(&u.Plan, &u.Limit, &u.Used, &u.ResetsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			u = defaultUsage()
			if _, err = tx.ExecContext(ctx, `
INSERT INTO org_usage (organization_id, plan, limit_amount, used, resets_at) VALUES ($1, $2, $3, $4, $5)`,
				organizationID, u.Plan, u.Limit, u.Used, u.ResetsAt); err != nil {
				return Usage{}, err
			}
			return u, nil
		}
		return Usage{}, err
	}

	now := time.Now().UTC()
	if now.After(u.ResetsAt) || now.Equal(u.ResetsAt) {
		u.Used = 0
		u.ResetsAt = now.Add(defaultPeriod)
		if _, err = tx.ExecContext(ctx, `UPDATE org_usage SET used = $1, resets_at = $2 WHERE organization_id = $3`, u.Used, u.ResetsAt, organizationID); err != nil {
			return Usage{}, err
		}
	}
	return u, nil
}
