package subscription

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chainbill/internal/logging"
	"github.com/mbd888/chainbill/internal/validation"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/projects/:id/subscription", validation.ProjectParamMiddleware(), h.GetSubscription)
}

// GetSubscription handles GET /v1/projects/:id/subscription
//
// Projects that never paid get a null subscription and the free tier.
func (h *Handler) GetSubscription(c *gin.Context) {
	projectID := c.Param("id")
	sub, err := h.service.Get(c.Request.Context(), projectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		logging.L(c.Request.Context()).Error("load subscription failed", "projectId", projectID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"projectId":     projectID,
		"subscription":  sub,
		"effectiveTier": sub.EffectiveTier(h.service.now()),
	})
}
