package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"questline-settlement/services/reward"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Dispatcher consumes reward:dispatch tasks and forwards issuance orders to
// the provider. A failed attempt surfaces as an asynq retry; once attempts
// are exhausted the issuance is marked FAILED so the operator retry sweep
// can find it.
type Dispatcher struct {
	client  Client
	rewards *reward.Service
}

type DispatcherParams struct {
	fx.In
	Client  Client
	Rewards *reward.Service
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		client:  p.Client,
		rewards: p.Rewards,
	}
}

func (d *Dispatcher) HandleDispatchTask(ctx context.Context, t *asynq.Task) error {
	var payload reward.DispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("workspace_id", payload.WorkspaceID),
		zap.String("issuance_id", payload.IssuanceID),
	)
	zapLog.Info("▶️ start reward dispatch task")

	issuance, err := d.rewards.Get(ctx, payload.WorkspaceID, payload.IssuanceID)
	if err != nil {
		zapLog.Error("failed to load issuance", zap.Error(err))
		return err
	}

	if issuance.Status.Terminal() {
		zapLog.Info("issuance already settled, skipping dispatch",
			zap.String("status", string(issuance.Status)))
		return nil
	}

	ack, err := d.client.Issue(ctx, IssueRequest{
		IssuanceID:  issuance.ID,
		WorkspaceID: issuance.WorkspaceID,
		UserID:      issuance.UserID,
		Kind:        string(issuance.Kind),
		AmountMinor: issuance.AmountMinor,
		Currency:    issuance.Currency,
		SKU:         issuance.SKU,
		Code:        issuance.Code,
	})
	if err != nil {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		if retried >= maxRetry {
			zapLog.Error("dispatch attempts exhausted, marking issuance failed", zap.Error(err))
			if _, markErr := d.rewards.MarkFailed(ctx, payload.WorkspaceID, payload.IssuanceID, err.Error()); markErr != nil {
				zapLog.Error("failed to mark issuance failed", zap.Error(markErr))
				return markErr
			}
			return nil
		}

		zapLog.Warn("dispatch attempt failed, will retry", zap.Error(err))
		return err
	}

	if err := d.rewards.RecordProviderAck(ctx, payload.WorkspaceID, payload.IssuanceID, ack.TransactionID); err != nil {
		zapLog.Warn("failed to record provider ack", zap.Error(err))
	}

	zapLog.Info("🎉 reward dispatch accepted",
		zap.String("provider_transaction_id", ack.TransactionID))
	return nil
}
