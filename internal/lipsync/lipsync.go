// Package lipsync drives the lipsync service that turns a generated speech
// file into a talking-avatar clip.
package lipsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
)

// Request asks for a clip rendered from a TTS output file, starting at
// StartFrame of the idle sequence and playing it backwards when Reversed.
type Request struct {
	Filename   string
	StartFrame int
	Reversed   bool
	Enhance    bool
}

// Result points at the rendered clip. Latencies are in seconds.
type Result struct {
	URL              string  `json:"url"`
	InferenceLatency float64 `json:"inference_latency"`
	HTTPLatency      float64 `json:"http_latency"`
	FramesGenerated  int     `json:"frames_generated"`
	Message          string  `json:"message,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

type httpGenerator struct {
	api *fetchapi.Client
}

func NewHTTPGenerator(api *fetchapi.Client) Generator {
	return &httpGenerator{api: api}
}

func (g *httpGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	if req.Filename == "" {
		return Result{}, errors.New("lipsync: filename is required")
	}
	query := url.Values{}
	query.Set("starting_frame", strconv.Itoa(req.StartFrame))
	query.Set("reversed", boolFlag(req.Reversed))
	if req.Enhance {
		query.Set("enhance", "true")
	}

	started := time.Now()
	resp := g.api.Post(ctx, "inference_from_filename", map[string]string{"filename": req.Filename}, fetchapi.WithQuery(query))
	if err := resp.Err(); err != nil {
		return Result{}, fmt.Errorf("lipsync request: %w", err)
	}
	var out Result
	if err := resp.Decode(&out); err != nil {
		return Result{}, fmt.Errorf("lipsync response: %w", err)
	}
	if out.URL == "" {
		if out.Message != "" {
			return Result{}, fmt.Errorf("lipsync: %s", out.Message)
		}
		return Result{}, errors.New("lipsync response missing url")
	}
	if out.HTTPLatency == 0 {
		out.HTTPLatency = time.Since(started).Seconds()
	}
	out.URL = g.videoURL(out.URL)
	return out, nil
}

// videoURL resolves the clip id the service returns to its download URL.
func (g *httpGenerator) videoURL(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return g.api.Resolve("video/" + url.PathEscape(strings.TrimSuffix(id, ".mp4")))
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
