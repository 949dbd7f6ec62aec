package analysis

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatlens-backend/internal/shared/server/middleware"
	"chatlens-backend/internal/shared/server/respond"
	"chatlens-backend/internal/usage"
)

// Handler wires HTTP handlers to the analysis service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sources/:id/analyses", h.createJob)
	rg.GET("/analyses", h.listJobs)
	rg.GET("/analyses/types", h.listTaskTypes)
	rg.GET("/analyses/:id", h.getJob)
	rg.GET("/analyses/:id/progress", h.getProgress)
	rg.GET("/analyses/:id/chunks", h.listChunks)
	rg.POST("/analyses/:id/resume", h.resumeJob)
	rg.POST("/analyses/:id/cancel", h.cancelJob)
	rg.POST("/analyses/:id/consolidate", h.retryConsolidation)
}

type createJobRequest struct {
	TaskType    string `json:"taskType"`
	DetailLevel string `json:"detailLevel"`
	Model       string `json:"model"`
}

func (h *Handler) createJob(c *gin.Context) {
	sourceID := c.Param("id")
	if sourceID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "source id is required", nil)
		return
	}

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	userID := middleware.UserIDFromContext(c)
	orgID := middleware.OrgIDFromContext(c)

	job, err := h.Svc.Create(c.Request.Context(), sourceID, orgID, userID, req.TaskType, req.DetailLevel, req.Model)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidTaskType):
			respond.Error(c, http.StatusBadRequest, "invalid_task_type", err.Error(), nil)
		case errors.Is(err, ErrEmptySource):
			respond.Error(c, http.StatusBadRequest, "empty_source", "source has no masked text to analyze", nil)
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "source not found", nil)
		case errors.Is(err, usage.ErrLimitReached):
			respond.Error(c, http.StatusTooManyRequests, "limit_reached", "analysis limit reached for the current period", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to create analysis", nil)
		}
		return
	}
	respond.JSON(c, http.StatusAccepted, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	orgID := middleware.OrgIDFromContext(c)
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	jobs, err := h.Svc.List(c.Request.Context(), orgID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list analyses", nil)
		return
	}
	respond.OK(c, gin.H{"analyses": jobs})
}

func (h *Handler) listTaskTypes(c *gin.Context) {
	types := make([]gin.H, 0)
	for _, task := range TaskTypes() {
		strat, _ := StrategyFor(task)
		types = append(types, gin.H{"id": task, "description": strat.Description})
	}
	respond.OK(c, gin.H{"taskTypes": types, "detailLevels": []string{DetailResumido, DetailNormal, DetailDetalhado}})
}

func (h *Handler) getJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	respond.OK(c, job)
}

func (h *Handler) getProgress(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	progress, err := h.Svc.Progress(c.Request.Context(), job.ID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load progress", nil)
		return
	}
	respond.OK(c, progress)
}

func (h *Handler) listChunks(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	chunks, err := h.Svc.Chunks(c.Request.Context(), job.ID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list chunks", nil)
		return
	}
	respond.OK(c, gin.H{"jobId": job.ID, "chunks": chunks})
}

type resumeRequest struct {
	NewModel          string `json:"newModel"`
	ResetFailedChunks bool   `json:"resetFailedChunks"`
}

func (h *Handler) resumeJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	resumed, err := h.Svc.Resume(c.Request.Context(), job.ID, req.NewModel, req.ResetFailedChunks)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			respond.Error(c, http.StatusConflict, "already_running", err.Error(), nil)
		case errors.Is(err, ErrNotResumable):
			respond.Error(c, http.StatusConflict, "not_resumable", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to resume analysis", nil)
		}
		return
	}
	respond.OK(c, gin.H{
		"message":     "analysis resumed",
		"analysisId":  resumed.ID,
		"newModel":    req.NewModel,
		"resetFailed": req.ResetFailedChunks,
	})
}

func (h *Handler) cancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	cancelled, err := h.Svc.Cancel(c.Request.Context(), job.ID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to cancel analysis", nil)
		return
	}
	respond.OK(c, gin.H{"analysisId": cancelled.ID, "status": cancelled.Status})
}

func (h *Handler) retryConsolidation(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	consolidated, err := h.Svc.RetryConsolidation(c.Request.Context(), job.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotConsolidable):
			respond.Error(c, http.StatusConflict, "not_consolidable", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "consolidation failed", nil)
		}
		return
	}
	respond.OK(c, consolidated)
}

// ownedJob loads the job in :id and enforces organization scoping.
func (h *Handler) ownedJob(c *gin.Context) (Job, bool) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "analysis id is required", nil)
		return Job{}, false
	}
	job, err := h.Svc.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		} else {
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load analysis", nil)
		}
		return Job{}, false
	}
	if orgID := middleware.OrgIDFromContext(c); orgID != "" && job.OrganizationID != orgID {
		respond.Error(c, http.StatusForbidden, "forbidden", "analysis belongs to another organization", nil)
		return Job{}, false
	}
	return job, true
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
