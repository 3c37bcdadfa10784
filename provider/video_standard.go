package provider

import (
	"context"
	"strings"

	"vidfab-server/apperr"
	"vidfab-server/config"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

// StandardVideo is the default image-to-video provider. Its task API nests
// the result under a wrapper: {"data": {"status": ..., "outputs": [url]}}.
type StandardVideo struct {
	client *req.Client
	model  string
}

func NewStandardVideo(cfg config.ProviderConfig) *StandardVideo {
	return &StandardVideo{client: newClient(cfg), model: cfg.Model}
}

func (v *StandardVideo) Name() string { return "standard" }

func (v *StandardVideo) SupportedDurations() []int { return []int{5, 10} }

func (v *StandardVideo) SupportsEndFrame() bool { return false }

func (v *StandardVideo) Submit(ctx context.Context, r VideoRequest) (string, error) {
	const op = "video_standard.submit"
	resp, err := v.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(map[string]any{
			"model":      v.model,
			"prompt":     r.Prompt,
			"image":      r.Image,
			"duration":   r.DurationSeconds,
			"resolution": r.Resolution,
		}).
		Post("/api/v3/tasks")
	if err := classify(op, resp, err); err != nil {
		return "", err
	}
	raw := resp.Bytes()
	id := gjson.GetBytes(raw, "data.id").String()
	if id == "" {
		id = gjson.GetBytes(raw, "id").String()
	}
	if id == "" {
		return "", apperr.Terminal(op, "response carried no task id")
	}
	return id, nil
}

func (v *StandardVideo) Status(ctx context.Context, requestID string) (*VideoStatus, error) {
	const op = "video_standard.status"
	resp, err := pollRetry(v.client.R()).
		SetContext(ctx).
		SetPathParam("id", requestID).
		Get("/api/v3/tasks/{id}")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	data := gjson.GetBytes(resp.Bytes(), "data")
	st := &VideoStatus{Error: data.Get("error").String()}
	switch strings.ToLower(data.Get("status").String()) {
	case "created", "queued", "pending":
		st.State = StatePending
	case "completed", "succeeded", "success":
		st.State = StateSucceeded
		st.URL = data.Get("outputs.0").String()
		if st.URL == "" {
			st.State = StateFailed
			st.Error = "provider reported completion without outputs"
		}
	case "failed", "error", "cancelled":
		st.State = StateFailed
		if st.Error == "" {
			st.Error = "provider reported failure"
		}
	default:
		st.State = StateRunning
	}
	return st, nil
}
