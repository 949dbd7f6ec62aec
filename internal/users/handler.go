package users

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatlens-backend/internal/shared/server/middleware"
	"chatlens-backend/internal/shared/server/respond"
)

type Handler struct {
	Svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/me", h.me)
}

func (h *Handler) me(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	orgID := middleware.OrgIDFromContext(c)

	// Guests have no persisted profile; answer from the request identity.
	if isGuest, ok := c.Get("isGuest"); ok {
		if guest, ok2 := isGuest.(bool); ok2 && guest {
			respond.JSON(c, http.StatusOK, gin.H{
				"id":             userID,
				"organizationId": orgID,
				"guest":          true,
			})
			return
		}
	}

	if h.Svc == nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "service unavailable", nil)
		return
	}
	user, err := h.Svc.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "user not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load user", nil)
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"id":             user.ID,
		"organizationId": user.OrganizationID,
		"email":          user.Email,
		"fullName":       user.FullName,
		"guest":          false,
	})
}
