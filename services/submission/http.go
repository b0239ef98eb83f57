package submission

import (
	"net/http"
	"strconv"

	"questline-settlement/pkg/middleware"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type createRequest struct {
	UserID       string         `json:"userId"`
	ChallengeID  string         `json:"challengeId" binding:"required"`
	ActivityID   string         `json:"activityId" binding:"required"`
	EnrollmentID string         `json:"enrollmentId"`
	Content      datatypes.JSON `json:"content"`
}

type managerReviewRequest struct {
	Action string `json:"action" binding:"required"`
	Notes  string `json:"notes"`
}

type finalReviewRequest struct {
	Status        string          `json:"status" binding:"required"`
	ReviewNotes   string          `json:"reviewNotes"`
	PointsAwarded *int64          `json:"pointsAwarded"`
	Reward        *RewardOverride `json:"reward"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "challengeId and activityId are required"})
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = middleware.ActorFromContext(c.Request.Context()).ID
	}

	sub, err := h.svc.Create(c.Request.Context(), CreateParams{
		WorkspaceID:  middleware.WorkspaceID(c),
		UserID:       userID,
		ChallengeID:  req.ChallengeID,
		ActivityID:   req.ActivityID,
		EnrollmentID: req.EnrollmentID,
		Content:      req.Content,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"submission": sub})
}

func (h *Handler) managerReview(c *gin.Context) {
	var req managerReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}

	sub, err := h.svc.ManagerReview(
		c.Request.Context(),
		middleware.WorkspaceID(c),
		c.Param("id"),
		middleware.ActorFromContext(c.Request.Context()),
		ManagerReviewParams{Action: req.Action, Notes: req.Notes},
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"submission": sub})
}

func (h *Handler) finalReview(c *gin.Context) {
	var req finalReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	sub, issuance, err := h.svc.FinalReview(
		c.Request.Context(),
		middleware.WorkspaceID(c),
		c.Param("id"),
		middleware.ActorFromContext(c.Request.Context()),
		FinalReviewParams{
			Status:        req.Status,
			ReviewNotes:   req.ReviewNotes,
			PointsAwarded: req.PointsAwarded,
			Reward:        req.Reward,
		},
	)
	if err != nil {
		c.Error(err)
		return
	}

	resp := gin.H{"submission": sub}
	if issuance != nil {
		resp["rewardIssuance"] = issuance
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) get(c *gin.Context) {
	sub, err := h.svc.Get(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"submission": sub})
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	subs, err := h.svc.List(c.Request.Context(), middleware.WorkspaceID(c), ListParams{
		Status: Status(c.Query("status")),
		UserID: c.Query("userId"),
		Limit:  limit,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"submissions": subs})
}

func RegisterRoutes(e *gin.Engine, h *Handler) {
	g := e.Group("/v1/workspaces/:workspace_id/submissions")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/manager-review", h.managerReview)
	g.POST("/:id/review", h.finalReview)
}
