package provider

import (
	"context"

	"vidfab-server/apperr"
	"vidfab-server/config"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ImageClient calls the image-generation service.
type ImageClient struct {
	client *req.Client
	model  string
}

func NewImageClient(cfg config.ProviderConfig) *ImageClient {
	return &ImageClient{client: newClient(cfg), model: cfg.Model}
}

func (c *ImageClient) GenerateImage(ctx context.Context, r ImageRequest) (string, error) {
	const op = "image.generate"
	body, err := imageBody(c.model, r)
	if err != nil {
		return "", apperr.Validation(op, "build request: %v", err)
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBodyBytes(body).
		Post("/v1/images/generations")
	if err := classify(op, resp, err); err != nil {
		return "", err
	}
	raw := resp.Bytes()
	for _, path := range []string{"data.0.url", "url", "image_url"} {
		if u := gjson.GetBytes(raw, path).String(); u != "" {
			return u, nil
		}
	}
	return "", apperr.Terminal(op, "response carried no image url")
}

func imageBody(model string, r ImageRequest) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	if body, err = sjson.SetBytes(body, "prompt", r.Prompt); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "n", 1); err != nil {
		return nil, err
	}
	optional := map[string]string{"model": model, "style": r.Style, "aspect_ratio": r.AspectRatio}
	for k, v := range optional {
		if v == "" {
			continue
		}
		if body, err = sjson.SetBytes(body, k, v); err != nil {
			return nil, err
		}
	}
	if len(r.SourceImages) > 0 {
		if body, err = sjson.SetBytes(body, "source_images", r.SourceImages); err != nil {
			return nil, err
		}
	}
	return body, nil
}
