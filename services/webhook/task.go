package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"questline-settlement/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type RetrySweepPayload struct {
	WorkspaceID string `json:"workspace_id"`
	MaxRetries  int    `json:"max_retries"`
}

func NewRetrySweepTask(workspaceID string, maxRetries int) (*asynq.Task, error) {
	payload, err := json.Marshal(RetrySweepPayload{
		WorkspaceID: workspaceID,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		taskname.WebhookRetrySweep,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("low"),
	), nil
}

// HandleRetrySweepTask runs one scheduled retry sweep for a workspace.
func (s *Service) HandleRetrySweepTask(ctx context.Context, t *asynq.Task) error {
	var payload RetrySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("workspace_id", payload.WorkspaceID),
	)

	zapLog.Info("▶️ start webhook retry sweep task")

	summary, err := s.RetryFailedWebhooks(ctx, payload.WorkspaceID, RetryOptions{MaxRetries: payload.MaxRetries})
	if err != nil {
		zapLog.Error("retry sweep failed", zap.Error(err))
		return err
	}

	zapLog.Info("🎉 webhook retry sweep done",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
	)

	return nil
}
