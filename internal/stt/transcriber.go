package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
)

// Request is one recorded utterance encoded as WAV.
type Request struct {
	Audio      []byte
	Filename   string
	Language   string
	UseDenoise bool
}

// Metrics are the latencies the STT service reports, in seconds.
type Metrics struct {
	DenoiseLatency float64 `json:"denoise_latency"`
	STTLatency     float64 `json:"stt_latency"`
	HTTPLatency    float64 `json:"http_latency"`
}

type Result struct {
	Text    string  `json:"text"`
	Status  bool    `json:"status"`
	Metrics Metrics `json:"metrics"`
}

// Transcriber abstracts STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

type httpTranscriber struct {
	api *fetchapi.Client
}

func NewHTTPTranscriber(api *fetchapi.Client) Transcriber {
	return &httpTranscriber{api: api}
}

func (h *httpTranscriber) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Audio) == 0 {
		return Result{}, errors.New("stt: empty audio")
	}
	body, contentType, err := EncodeForm(req)
	if err != nil {
		return Result{}, err
	}
	started := time.Now()
	resp := h.api.Post(ctx, "audio/transcriptions", nil, fetchapi.WithBody(body, contentType))
	if err := resp.Err(); err != nil {
		return Result{}, fmt.Errorf("stt request: %w", err)
	}
	var out Result
	if err := resp.Decode(&out); err != nil {
		return Result{}, fmt.Errorf("stt response: %w", err)
	}
	if out.Metrics.HTTPLatency == 0 {
		out.Metrics.HTTPLatency = time.Since(started).Seconds()
	}
	return out, nil
}

// EncodeForm builds the multipart body the transcription endpoint expects.
func EncodeForm(req Request) (*bytes.Buffer, string, error) {
	filename := req.Filename
	if filename == "" {
		filename = "recording.wav"
	}
	language := req.Language
	if language == "" {
		language = "english"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("stt form file: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("stt form file: %w", err)
	}
	if err := mw.WriteField("language", language); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("use_denoise", strconv.FormatBool(req.UseDenoise)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

type mockTranscriber struct{}

// NewMockTranscriber reports the audio size instead of recognising speech.
func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Text:   fmt.Sprintf("[transcript bytes=%d]", len(req.Audio)),
		Status: true,
	}, nil
}
