package tts

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type mockSynth struct {
	delay time.Duration
	seq   atomic.Int64
}

// NewMockSynth returns a Synthesizer that estimates duration from the word
// count. Used for local runs without the inference services.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(m.delay):
	}
	words := len(strings.Fields(req.Text))
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	n := m.seq.Add(1)
	return Result{
		Filename:         fmt.Sprintf("mock-%d.wav", n),
		Duration:         float64(words) * 0.4 / speed,
		InferenceLatency: m.delay.Seconds(),
		HTTPLatency:      m.delay.Seconds(),
		AudioURL:         fmt.Sprintf("mock://audio/mock-%d.wav", n),
	}, nil
}
