package account

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"chatlens-backend/internal/analysis"
	"chatlens-backend/internal/sources"
)

type Service struct {
	SourcesRepo  sources.SourcesRepo
	AnalysisRepo analysis.Repo
}

type ClaimResult struct {
	MigratedSources  int `json:"migratedSources"`
	MigratedAnalyses int `json:"migratedAnalyses"`
}

func NewService(sourcesRepo sources.SourcesRepo, analysisRepo analysis.Repo) *Service {
	return &Service{SourcesRepo: sourcesRepo, AnalysisRepo: analysisRepo}
}

// ClaimGuest reassigns everything a guest workspace owns to the caller's
// organization. Uses a single transaction when both repos share Postgres.
func (s *Service) ClaimGuest(ctx context.Context, guestOrgID, authedOrgID, authedUserID string) (ClaimResult, error) {
	if strings.TrimSpace(guestOrgID) == "" || strings.TrimSpace(authedOrgID) == "" || strings.TrimSpace(authedUserID) == "" {
		return ClaimResult{}, errors.New("guestOrgID, authedOrgID and authedUserID are required")
	}

	if srcPG, ok := s.SourcesRepo.(*sources.PGRepo); ok && srcPG != nil && srcPG.DB != nil {
		if analysisPG, ok := s.AnalysisRepo.(*analysis.PGRepo); ok && analysisPG != nil && analysisPG.DB != nil {
			return claimWithTx(ctx, srcPG.DB, guestOrgID, authedOrgID, authedUserID)
		}
	}

	srcCount, err := claimSources(ctx, s.SourcesRepo, guestOrgID, authedOrgID, authedUserID)
	if err != nil {
		return ClaimResult{}, err
	}
	analysisCount, err := claimAnalyses(ctx, s.AnalysisRepo, guestOrgID, authedOrgID, authedUserID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{MigratedSources: srcCount, MigratedAnalyses: analysisCount}, nil
}

func claimWithTx(ctx context.Context, db *sql.DB, guestOrgID, authedOrgID, authedUserID string) (ClaimResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	defer tx.Rollback()

	srcRes, err := tx.ExecContext(ctx, `UPDATE sources SET organization_id = $1, created_by = $2 WHERE organization_id = $3`, authedOrgID, authedUserID, guestOrgID)
	if err != nil {
		return ClaimResult{}, err
	}
	srcCount, _ := srcRes.RowsAffected()

	analysisRes, err := tx.ExecContext(ctx, `UPDATE analysis_jobs SET organization_id = $1, created_by = $2 WHERE organization_id = $3`, authedOrgID, authedUserID, guestOrgID)
	if err != nil {
		return ClaimResult{}, err
	}
	analysisCount, _ := analysisRes.RowsAffected()

	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{MigratedSources: int(srcCount), MigratedAnalyses: int(analysisCount)}, nil
}

type guestClaimer interface {
	ClaimGuest(ctx context.Context, guestOrgID, authedOrgID, authedUserID string) (int, error)
}

func claimSources(ctx context.Context, repo sources.SourcesRepo, guestOrgID, authedOrgID, authedUserID string) (int, error) {
	if claimer, ok := repo.(guestClaimer); ok {
		return claimer.ClaimGuest(ctx, guestOrgID, authedOrgID, authedUserID)
	}
	return 0, errors.New("sources repo does not support claim")
}

func claimAnalyses(ctx context.Context, repo analysis.Repo, guestOrgID, authedOrgID, authedUserID string) (int, error) {
	if claimer, ok := repo.(guestClaimer); ok {
		return claimer.ClaimGuest(ctx, guestOrgID, authedOrgID, authedUserID)
	}
	return 0, errors.New("analysis repo does not support claim")
}
