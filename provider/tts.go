package provider

import (
	"context"

	"vidfab-server/apperr"
	"vidfab-server/config"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

// SpeechClient calls the batched text-to-speech service.
type SpeechClient struct {
	client *req.Client
}

func NewSpeechClient(cfg config.ProviderConfig) *SpeechClient {
	return &SpeechClient{client: newClient(cfg)}
}

// Synthesize returns one result per item, in item order. Items the service did
// not answer for come back unsuccessful rather than failing the batch.
func (c *SpeechClient) Synthesize(ctx context.Context, items []SpeechItem) ([]SpeechResult, error) {
	const op = "tts.batch"
	if len(items) == 0 {
		return nil, nil
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(map[string]any{"items": items}).
		Post("/v1/tts/batch")
	if err := classify(op, resp, err); err != nil {
		return nil, err
	}
	raw := resp.Bytes()
	results := gjson.GetBytes(raw, "results")
	if !results.IsArray() {
		return nil, apperr.Validation(op, "response has no results array")
	}

	byID := make(map[string]SpeechResult, len(items))
	results.ForEach(func(_, r gjson.Result) bool {
		res := SpeechResult{
			ID:       r.Get("id").String(),
			Success:  r.Get("success").Bool(),
			AudioURL: r.Get("audio_url").String(),
			Duration: r.Get("duration").Float(),
			Error:    r.Get("error").String(),
		}
		if res.Success && res.AudioURL == "" {
			res.Success = false
			res.Error = "missing audio_url"
		}
		byID[res.ID] = res
		return true
	})

	out := make([]SpeechResult, len(items))
	for i, it := range items {
		res, ok := byID[it.ID]
		if !ok {
			res = SpeechResult{ID: it.ID, Error: "no result returned"}
		}
		out[i] = res
	}
	return out, nil
}
