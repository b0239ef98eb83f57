package reward

import (
	"encoding/json"
	"time"

	"questline-settlement/pkg/taskname"

	"github.com/hibiken/asynq"
)

type DispatchPayload struct {
	WorkspaceID string `json:"workspace_id"`
	IssuanceID  string `json:"issuance_id"`
}

func NewDispatchTask(workspaceID, issuanceID string) (*asynq.Task, error) {
	payload, err := json.Marshal(DispatchPayload{
		WorkspaceID: workspaceID,
		IssuanceID:  issuanceID,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(taskname.RewardDispatch, payload,
		asynq.MaxRetry(5),
		asynq.Timeout(60*time.Second),
		asynq.Queue("critical")), nil
}
