package provider

import (
	"context"
	"fmt"
	"io"
	"time"

	"vidfab-server/apperr"

	"github.com/imroc/req/v3"
)

// Fetcher streams remote assets (finished clips, renders) so they can be copied
// into our own storage.
type Fetcher struct {
	client *req.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &Fetcher{client: req.C().SetTimeout(timeout).DisableAutoReadResponse()}
}

// Open returns the body and its length (-1 when unknown). The caller closes it.
func (f *Fetcher) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	const op = "fetch"
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, 0, apperr.Transient(op, err)
	}
	if resp.StatusCode == 429 || resp.StatusCode >= 500 {
		_ = resp.Body.Close()
		return nil, 0, apperr.Transient(op, fmt.Errorf("GET %s: status %d", url, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, 0, apperr.Terminal(op, "GET %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}
