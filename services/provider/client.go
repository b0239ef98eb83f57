package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"questline-settlement/pkg/config"
	"questline-settlement/pkg/errutil"

	"go.uber.org/fx"
)

// IssueRequest is the settlement order sent to the external rewards
// provider. The provider processes asynchronously and reports the outcome
// through the settlement webhook.
type IssueRequest struct {
	IssuanceID  string `json:"issuanceId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Kind        string `json:"kind"`
	AmountMinor int64  `json:"amountMinor,omitempty"`
	Currency    string `json:"currency,omitempty"`
	SKU         string `json:"sku,omitempty"`
	Code        string `json:"code,omitempty"`
}

// IssueAck acknowledges that the provider accepted the order. It carries the
// provider-side transaction reference used to correlate webhook events.
type IssueAck struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status,omitempty"`
}

type Client interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueAck, error)
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type ClientParams struct {
	fx.In
	Config *config.Config
}

func NewHTTPClient(p ClientParams) Client {
	timeout := p.Config.Provider.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL: p.Config.Provider.BaseURL,
		apiKey:  p.Config.Provider.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Issue(ctx context.Context, req IssueRequest) (*IssueAck, error) {
	if c.baseURL == "" {
		return nil, errutil.BadGateway("provider base url is not configured", nil)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal issue request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/issuances", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create issue request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errutil.BadGateway("provider request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errutil.BadGateway("failed to read provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errutil.BadGateway(
			fmt.Sprintf("provider rejected issuance with status %d: %s", resp.StatusCode, truncate(respBody, 256)),
			nil,
		)
	}

	var ack IssueAck
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return nil, errutil.BadGateway("failed to decode provider response", err)
	}

	return &ack, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
