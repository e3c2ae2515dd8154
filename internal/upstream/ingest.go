package upstream

import (
	"context"
	"encoding/json"
	"net/http"
)

// UsageBatchPath is the usage ingestion endpoint.
const UsageBatchPath = "/usage_logs/batch"

// PostUsageBatch delivers records in one request. Any transport failure or
// non-2xx answer is an error so the caller can retry the whole batch.
func (c *Client) PostUsageBatch(ctx context.Context, token string, logs []json.RawMessage) error {
	body, err := json.Marshal(struct {
		Logs []json.RawMessage `json:"logs"`
	}{Logs: logs})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, UsageBatchPath, token, body)
	if err != nil {
		return networkError(err)
	}
	if !resp.ok() {
		return errorFromResponse(resp)
	}
	return nil
}
