package provider

import (
	"context"
	"encoding/json"

	"vidfab-server/apperr"
	"vidfab-server/config"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

// ScriptClient calls the script-understanding service.
type ScriptClient struct {
	client *req.Client
}

func NewScriptClient(cfg config.ProviderConfig) *ScriptClient {
	return &ScriptClient{client: newClient(cfg)}
}

func (c *ScriptClient) AnalyzeScript(ctx context.Context, r ScriptRequest) (*ScriptResult, error) {
	const op = "script.analyze"
	resp, err := c.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(r).
		Post("/v1/scripts/analyze")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}

	body := resp.Bytes()
	if !gjson.ValidBytes(body) {
		return nil, apperr.Validation(op, "response is not valid json")
	}
	// Some deployments wrap the payload in {"data": ...}.
	if data := gjson.GetBytes(body, "data"); data.IsObject() {
		body = []byte(data.Raw)
	}
	var out ScriptResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperr.Validation(op, "decode analysis: %v", err)
	}
	return &out, nil
}
