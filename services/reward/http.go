package reward

import (
	"net/http"
	"strconv"

	"questline-settlement/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type retryRequest struct {
	RewardIDs []string `json:"rewardIds" binding:"required"`
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	issuances, err := h.svc.List(c.Request.Context(), middleware.WorkspaceID(c), ListParams{
		Status: Status(c.Query("status")),
		UserID: c.Query("userId"),
		Limit:  limit,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rewards": issuances})
}

func (h *Handler) get(c *gin.Context) {
	issuance, err := h.svc.Get(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reward": issuance})
}

func (h *Handler) retry(c *gin.Context) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rewardIds is required"})
		return
	}

	summary, err := h.svc.RetryIssuances(c.Request.Context(), middleware.WorkspaceID(c), req.RewardIDs)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *Handler) cancel(c *gin.Context) {
	issuance, err := h.svc.Cancel(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reward": issuance})
}

func RegisterRoutes(e *gin.Engine, h *Handler) {
	g := e.Group("/v1/workspaces/:workspace_id/rewards")
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/retry", h.retry)
	g.POST("/:id/cancel", h.cancel)
}
