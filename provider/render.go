package provider

import (
	"context"
	"strings"

	"vidfab-server/apperr"
	"vidfab-server/config"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

// RenderClient calls the composition service.
type RenderClient struct {
	client *req.Client
}

func NewRenderClient(cfg config.ProviderConfig) *RenderClient {
	return &RenderClient{client: newClient(cfg)}
}

func (c *RenderClient) SubmitRender(ctx context.Context, r RenderRequest) (string, error) {
	const op = "render.submit"
	if len(r.Clips) == 0 {
		return "", apperr.Validation(op, "render needs at least one clip")
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(r).
		Post("/v1/renders")
	if err := classify(op, resp, err); err != nil {
		return "", err
	}
	id := gjson.GetBytes(resp.Bytes(), "id").String()
	if id == "" {
		return "", apperr.Terminal(op, "response carried no render id")
	}
	return id, nil
}

func (c *RenderClient) RenderStatus(ctx context.Context, renderID string) (*RenderStatus, error) {
	const op = "render.status"
	resp, err := pollRetry(c.client.R()).
		SetContext(ctx).
		SetPathParam("id", renderID).
		Get("/v1/renders/{id}")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	raw := resp.Bytes()
	st := &RenderStatus{
		URL:        gjson.GetBytes(raw, "url").String(),
		Resolution: gjson.GetBytes(raw, "resolution").String(),
		Error:      gjson.GetBytes(raw, "error").String(),
	}
	switch strings.ToLower(gjson.GetBytes(raw, "status").String()) {
	case "queued", "pending":
		st.State = StatePending
	case "done", "succeeded", "completed":
		st.State = StateSucceeded
		if st.URL == "" {
			st.State = StateFailed
			st.Error = "render finished without url"
		}
	case "failed", "error":
		st.State = StateFailed
		if st.Error == "" {
			st.Error = "render failed"
		}
	default:
		st.State = StateRunning
	}
	return st, nil
}
