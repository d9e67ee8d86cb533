package tts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
)

type httpSynth struct {
	api *fetchapi.Client
}

// NewHTTPSynth returns a Synthesizer backed by the TTS service behind api.
func NewHTTPSynth(api *fetchapi.Client) Synthesizer {
	return &httpSynth{api: api}
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	resp := h.api.Post(ctx, "audio/speech", req)
	if err := resp.Err(); err != nil {
		return Result{}, fmt.Errorf("tts request: %w", err)
	}
	var out Result
	if err := resp.Decode(&out); err != nil {
		return Result{}, fmt.Errorf("tts response: %w", err)
	}
	if out.Filename == "" {
		return Result{}, errors.New("tts response missing filename")
	}
	if out.HTTPLatency == 0 {
		out.HTTPLatency = time.Since(started).Seconds()
	}
	if out.AudioURL == "" {
		out.AudioURL = h.api.Resolve("audio/" + url.PathEscape(out.Filename))
	}
	return out, nil
}
