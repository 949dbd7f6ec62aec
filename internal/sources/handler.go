package sources

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatlens-backend/internal/extract"
	"chatlens-backend/internal/shared/server/middleware"
	"chatlens-backend/internal/shared/server/respond"
)

const maxUploadBytes = 10 << 20

// Handler wires HTTP handlers to the sources service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches source routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sources", h.register)
	rg.POST("/sources/upload", h.upload)
	rg.GET("/sources", h.list)
	rg.GET("/sources/:id", h.get)
}

type registerRequest struct {
	FileName             string `json:"fileName"`
	MaskedText           string `json:"maskedText"`
	OriginalChars        int    `json:"originalChars"`
	PseudonymizationMode string `json:"pseudonymizationMode"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	orgID := middleware.OrgIDFromContext(c)
	userID := middleware.UserIDFromContext(c)

	src, err := h.Svc.Register(c.Request.Context(), orgID, userID, req.FileName, req.MaskedText, req.OriginalChars, req.PseudonymizationMode)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyText):
			respond.Error(c, http.StatusBadRequest, "empty_text", "masked text is required", nil)
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid file name or pseudonymization mode", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to register source", nil)
		}
		return
	}
	respond.JSON(c, http.StatusCreated, src)
}

// upload accepts a transcript file (txt, vtt, pdf or docx), extracts its
// text and registers it with pseudonymization mode "none".
func (h *Handler) upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "missing file field", []map[string]string{
			{"field": "file", "issue": "required"},
		})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the 10MB limit", nil)
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to read upload", nil)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to read upload", nil)
		return
	}
	if len(data) > maxUploadBytes {
		respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the 10MB limit", nil)
		return
	}

	text, err := extract.ExtractTranscript(data, fileHeader.Header.Get("Content-Type"), fileHeader.Filename)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedType) {
			respond.Error(c, http.StatusUnsupportedMediaType, "unsupported_type", "file type not supported", nil)
			return
		}
		respond.Error(c, http.StatusUnprocessableEntity, "extraction_failed", "could not extract text from file", nil)
		return
	}

	orgID := middleware.OrgIDFromContext(c)
	userID := middleware.UserIDFromContext(c)

	src, err := h.Svc.Register(c.Request.Context(), orgID, userID, fileHeader.Filename, text, len(text), ModeNone)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyText):
			respond.Error(c, http.StatusUnprocessableEntity, "empty_text", "file contains no text", nil)
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid file name", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to register source", nil)
		}
		return
	}
	respond.JSON(c, http.StatusCreated, src)
}

func (h *Handler) list(c *gin.Context) {
	orgID := middleware.OrgIDFromContext(c)
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	srcs, err := h.Svc.List(c.Request.Context(), orgID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list sources", nil)
		return
	}
	respond.OK(c, gin.H{"sources": srcs})
}

func (h *Handler) get(c *gin.Context) {
	src, err := h.Svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "source not found", nil)
		} else {
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load source", nil)
		}
		return
	}
	if orgID := middleware.OrgIDFromContext(c); orgID != "" && src.OrganizationID != orgID {
		respond.Error(c, http.StatusForbidden, "forbidden", "source belongs to another organization", nil)
		return
	}
	respond.OK(c, src)
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return def
	}
	return val
}
