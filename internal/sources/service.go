package sources

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatlens-backend/internal/shared/storage/object"
	"chatlens-backend/internal/shared/util"
)

const previewChars = 200

// Service contains business logic for sources.
type Service struct {
	Store object.ObjectStore
	Repo  SourcesRepo
}

// Register stores an already-masked transcript and records its metadata.
// The masking engine runs before this call; Register never sees raw PII.
func (s *Service) Register(ctx context.Context, orgID, userID, fileName, maskedText string, originalChars int, mode string) (Source, error) {
	cleanName, err := util.SanitizeFileName(fileName)
	if err != nil {
		return Source{}, ErrInvalidInput
	}
	if strings.TrimSpace(maskedText) == "" {
		return Source{}, ErrEmptyText
	}
	if mode == "" {
		mode = ModePseudonyms
	}
	if !ValidMode(mode) {
		return Source{}, ErrInvalidInput
	}
	if originalChars <= 0 {
		originalChars = len(maskedText)
	}

	storageKey, _, _, err := s.Store.Save(ctx, orgID, cleanName, strings.NewReader(maskedText))
	if err != nil {
		return Source{}, err
	}

	src := Source{
		ID:                   uuid.NewString(),
		OrganizationID:       orgID,
		CreatedBy:            userID,
		FileName:             cleanName,
		StorageKey:           storageKey,
		OriginalChars:        originalChars,
		MaskedChars:          len(maskedText),
		PseudonymizationMode: mode,
		Preview:              preview(maskedText),
		CreatedAt:            time.Now().UTC(),
	}

	if err := s.Repo.Create(ctx, src); err != nil {
		return Source{}, err
	}
	return src, nil
}

// Get returns a source by ID.
func (s *Service) Get(ctx context.Context, id string) (Source, error) {
	return s.Repo.GetByID(ctx, id)
}

// List returns sources for an organization, newest first.
func (s *Service) List(ctx context.Context, orgID string, limit, offset int) ([]Source, error) {
	return s.Repo.ListByOrg(ctx, orgID, limit, offset)
}

// MaskedText loads the full masked transcript for a source. It satisfies the
// analysis engine's source provider contract.
func (s *Service) MaskedText(ctx context.Context, sourceID string) (string, error) {
	src, err := s.Repo.GetByID(ctx, sourceID)
	if err != nil {
		return "", err
	}
	rc, err := s.Store.Open(ctx, src.StorageKey)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= previewChars {
		return text
	}
	return text[:previewChars]
}
