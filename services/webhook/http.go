package webhook

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Questline-Signature"

const maxBodyBytes = 1 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type retryRequest struct {
	WebhookLogIDs []string `json:"webhookLogIds"`
	MaxRetries    int      `json:"maxRetries"`
}

// ingest is the provider-facing endpoint. Processing failures still get a
// 200 so the provider stops redelivering; the retry sweep owns recovery.
func (h *Handler) ingest(c *gin.Context) {
	workspaceID := c.Param("workspace_id")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	receipt, err := h.svc.Process(
		c.Request.Context(),
		workspaceID,
		workspaceID,
		c.GetHeader(SignatureHeader),
		body,
	)
	if err != nil {
		var be *errutil.BaseError
		if errors.As(err, &be) && be.Code == errutil.StatusTooManyRequests {
			c.Header("Retry-After", strconv.Itoa(receipt.RetryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      be.Message,
				"retryAfter": receipt.RetryAfter,
			})
			return
		}
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, receipt)
}

func (h *Handler) retry(c *gin.Context) {
	// An empty body sweeps the whole backlog with defaults.
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid retry request"})
		return
	}

	summary, err := h.svc.RetryFailedWebhooks(c.Request.Context(), middleware.WorkspaceID(c), RetryOptions{
		WebhookLogIDs: req.WebhookLogIDs,
		MaxRetries:    req.MaxRetries,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *Handler) health(c *gin.Context) {
	window := DefaultHealthWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window duration"})
			return
		}
		window = parsed
	}

	stats, err := h.svc.GetHealthStats(c.Request.Context(), middleware.WorkspaceID(c), window)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func RegisterRoutes(e *gin.Engine, h *Handler) {
	e.POST("/v1/hooks/settlement/:workspace_id", h.ingest)

	g := e.Group("/v1/workspaces/:workspace_id/webhooks")
	g.POST("/retry", h.retry)
	g.GET("/health", h.health)
}
