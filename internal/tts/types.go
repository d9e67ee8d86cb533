package tts

import "context"

// Request is one sentence to speak.
type Request struct {
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

// Result names the generated audio file on the TTS service. Latencies are in
// seconds.
type Result struct {
	Filename         string  `json:"filename"`
	Duration         float64 `json:"duration"`
	HTTPLatency      float64 `json:"http_latency"`
	InferenceLatency float64 `json:"inference_latency"`
	// AudioURL is where the generated audio can be fetched for audio-only
	// playback.
	AudioURL string `json:"audio_url,omitempty"`
}

// Synthesizer is the contract for producing speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}
