package provider

import (
	"context"
	"strings"

	"vidfab-server/apperr"
	"vidfab-server/config"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PremiumVideo is the narrated-capable provider. It accepts an optional end
// frame and answers polls with a flat {status, videoUrl, error} object.
type PremiumVideo struct {
	client *req.Client
	model  string
}

func NewPremiumVideo(cfg config.ProviderConfig) *PremiumVideo {
	return &PremiumVideo{client: newClient(cfg), model: cfg.Model}
}

func (v *PremiumVideo) Name() string { return "premium" }

func (v *PremiumVideo) SupportedDurations() []int { return []int{4, 6, 8} }

func (v *PremiumVideo) SupportsEndFrame() bool { return true }

func (v *PremiumVideo) Submit(ctx context.Context, r VideoRequest) (string, error) {
	const op = "video_premium.submit"
	body, err := premiumBody(v.model, r)
	if err != nil {
		return "", apperr.Validation(op, "build request: %v", err)
	}
	resp, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBodyBytes(body).
		Post("/v1/videos")
	if err := classify(op, resp, err); err != nil {
		return "", err
	}
	raw := resp.Bytes()
	for _, path := range []string{"taskId", "task_id", "id"} {
		if id := gjson.GetBytes(raw, path).String(); id != "" {
			return id, nil
		}
	}
	return "", apperr.Terminal(op, "response carried no task id")
}

func premiumBody(model string, r VideoRequest) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "prompt", r.Prompt)
	if err != nil {
		return nil, err
	}
	fields := []struct {
		path string
		val  any
		skip bool
	}{
		{"model", model, model == ""},
		{"start_image", r.Image, false},
		{"end_image", r.EndImage, r.EndImage == ""},
		{"duration", r.DurationSeconds, false},
		{"aspect_ratio", r.AspectRatio, r.AspectRatio == ""},
	}
	for _, f := range fields {
		if f.skip {
			continue
		}
		if body, err = sjson.SetBytes(body, f.path, f.val); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (v *PremiumVideo) Status(ctx context.Context, requestID string) (*VideoStatus, error) {
	const op = "video_premium.status"
	resp, err := pollRetry(v.client.R()).
		SetContext(ctx).
		SetPathParam("id", requestID).
		Get("/v1/videos/{id}")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	raw := resp.Bytes()
	st := &VideoStatus{Error: gjson.GetBytes(raw, "error").String()}
	switch strings.ToLower(gjson.GetBytes(raw, "status").String()) {
	case "pending", "queued":
		st.State = StatePending
	case "succeeded", "completed", "success":
		st.State = StateSucceeded
		st.URL = gjson.GetBytes(raw, "videoUrl").String()
		if st.URL == "" {
			st.State = StateFailed
			st.Error = "provider reported success without videoUrl"
		}
	case "failed", "error":
		st.State = StateFailed
		if st.Error == "" {
			st.Error = "provider reported failure"
		}
	default:
		st.State = StateRunning
	}
	return st, nil
}
