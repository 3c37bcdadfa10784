// Package provider holds the clients for the external generative services the
// pipeline drives: script analysis, image generation, two video providers,
// text-to-speech and the render service.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vidfab-server/apperr"
	"vidfab-server/config"

	"github.com/imroc/req/v3"
)

type ScriptRequest struct {
	Script          string `json:"script"`
	DurationSeconds int    `json:"duration_seconds"`
	Style           string `json:"style"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
}

type ScriptShot struct {
	ShotNumber      int      `json:"shot_number"`
	StartSec        float64  `json:"start_sec"`
	EndSec          float64  `json:"end_sec"`
	Description     string   `json:"description"`
	CameraDirection string   `json:"camera_direction"`
	Mood            string   `json:"mood"`
	Narration       string   `json:"narration"`
	Characters      []string `json:"characters"`
	DurationSeconds int      `json:"duration_seconds"`
}

type ScriptCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScriptResult struct {
	Shots      []ScriptShot      `json:"shots"`
	Characters []ScriptCharacter `json:"characters"`
}

type ScriptAnalyzer interface {
	AnalyzeScript(ctx context.Context, r ScriptRequest) (*ScriptResult, error)
}

type ImageRequest struct {
	Prompt       string
	Style        string
	AspectRatio  string
	SourceImages []string
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, r ImageRequest) (string, error)
}

type VideoRequest struct {
	Prompt          string
	Image           string
	EndImage        string // honoured only by providers that support end frames
	DurationSeconds int
	Resolution      string
	AspectRatio     string
}

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

type VideoStatus struct {
	State State
	URL   string
	Error string
}

// VideoProvider submits image-to-video jobs and reports on them.
type VideoProvider interface {
	Name() string
	SupportedDurations() []int
	SupportsEndFrame() bool
	Submit(ctx context.Context, r VideoRequest) (requestID string, err error)
	Status(ctx context.Context, requestID string) (*VideoStatus, error)
}

type SpeechItem struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

type SpeechResult struct {
	ID       string
	Success  bool
	AudioURL string
	Duration float64
	Error    string
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, items []SpeechItem) ([]SpeechResult, error)
}

type RenderClip struct {
	URL           string  `json:"url"`
	Start         float64 `json:"start"`
	Duration      float64 `json:"duration"`
	TransitionIn  string  `json:"transition_in"`
	TransitionOut string  `json:"transition_out"`
	FadeSeconds   float64 `json:"fade_seconds"`
}

type AudioTrack struct {
	URL      string  `json:"url"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration,omitempty"`
	Volume   float64 `json:"volume,omitempty"`
}

type RenderRequest struct {
	AspectRatio  string       `json:"aspect_ratio"`
	Resolution   string       `json:"resolution"`
	Clips        []RenderClip `json:"clips"`
	Narration    []AudioTrack `json:"narration,omitempty"`
	Music        *AudioTrack  `json:"music,omitempty"`
	SubtitlesURL string       `json:"subtitles_url,omitempty"`
}

// TotalDuration is the length of the clip timeline in seconds.
func (r RenderRequest) TotalDuration() float64 {
	var total float64
	for _, c := range r.Clips {
		total += c.Duration
	}
	return total
}

type RenderStatus struct {
	State      State
	URL        string
	Resolution string
	Error      string
}

type Renderer interface {
	SubmitRender(ctx context.Context, r RenderRequest) (string, error)
	RenderStatus(ctx context.Context, renderID string) (*RenderStatus, error)
}

// RoundDuration maps want onto the nearest supported duration. Ties go to the
// larger value and out-of-range requests clamp to the nearest end.
func RoundDuration(want int, supported []int) int {
	if len(supported) == 0 {
		return want
	}
	opts := append([]int(nil), supported...)
	sort.Ints(opts)
	best := opts[0]
	for _, d := range opts[1:] {
		if abs(d-want) <= abs(best-want) {
			best = d
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func newClient(cfg config.ProviderConfig) *req.Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	c := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetCommonHeader("Accept", "application/json").
		SetUserAgent("vidfab-server/1.0")
	if cfg.APIKey != "" {
		c.SetCommonBearerAuthToken(cfg.APIKey)
	}
	return c
}

// pollRetry configures idempotent status requests to ride out brief blips.
func pollRetry(r *req.Request) *req.Request {
	return r.SetRetryCount(2).
		SetRetryBackoffInterval(200*time.Millisecond, 2*time.Second).
		SetRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil || resp.StatusCode == 429 || resp.StatusCode >= 500
		})
}

// classify turns a transport result into the pipeline's error taxonomy.
func classify(op string, resp *req.Response, err error) error {
	if err != nil {
		return apperr.Transient(op, err)
	}
	if resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return apperr.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(resp.String())))
	}
	if !resp.IsSuccessState() {
		return apperr.Terminal(op, "status %d: %s", resp.StatusCode, snippet(resp.String()))
	}
	return nil
}

func snippet(s string) string {
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
