package lipsync

import (
	"context"
	"fmt"
	"time"
)

type mockGenerator struct {
	delay time.Duration
	fps   int
}

// NewMockGenerator returns a Generator that answers after delay with a
// placeholder clip URL.
func NewMockGenerator(delay time.Duration, fps int) Generator {
	return &mockGenerator{delay: delay, fps: fps}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(m.delay):
	}
	return Result{
		URL:              fmt.Sprintf("mock://video/%s?start=%d&reversed=%s", req.Filename, req.StartFrame, boolFlag(req.Reversed)),
		InferenceLatency: m.delay.Seconds(),
		HTTPLatency:      m.delay.Seconds(),
	}, nil
}
