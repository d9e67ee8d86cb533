package chat

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// record accumulates the performance result of one chat. It is complete
// once the stream has ended and every emitted turn was resolved or dropped.
type record struct {
	mu        sync.Mutex
	result    eventstore.PerformanceResult
	emitted   int
	finished  int
	streamEnd bool
	closed    bool
}

func newRecord(sessionID string, transcript *protocol.Transcript) *record {
	r := &record{}
	r.result.SessionID = sessionID
	if transcript != nil {
		r.result.STT = transcript.STTLatency
		r.result.Denoise = transcript.DenoiseLatency
		r.result.Metadata.InputAudioDurationInSeconds = transcript.AudioSeconds
	}
	return r
}

func (r *record) emit() {
	r.mu.Lock()
	r.emitted++
	r.mu.Unlock()
}

// finishStream stores the LLM figures and reports whether the record is
// now complete.
func (r *record) finishStream(ttft, total time.Duration, usage llm.Usage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.LLM = eventstore.LLMMetrics{
		TTFT:         ms(ttft),
		TotalLatency: ms(total),
		Throughput:   throughput(usage.CompletionTokens, total-ttft),
	}
	r.result.Metadata.PromptTokens = usage.PromptTokens
	r.result.Metadata.CompletionTokens = usage.CompletionTokens
	r.result.Metadata.TotalTokens = usage.TotalTokens
	r.streamEnd = true
	return r.completeLocked()
}

// add folds a turn result in and reports whether the record is now
// complete.
func (r *record) add(res pipeline.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.finished++
	if res.Err == nil {
		var t eventstore.TTSMetric
		t.HTTPLatency = res.TTS.HTTPLatency * 1000
		t.InferenceLatency = res.TTS.InferenceLatency * 1000
		t.Metadata.OutputAudioDuration = res.TTS.Duration
		r.result.TTS = append(r.result.TTS, t)
		if res.Lipsync.URL != "" {
			var l eventstore.LipsyncMetric
			l.HTTPLatency = res.Lipsync.HTTPLatency * 1000
			l.InferenceLatency = res.Lipsync.InferenceLatency * 1000
			l.Metadata.FramesGenerated = res.Lipsync.FramesGenerated
			r.result.Lipsync = append(r.result.Lipsync, l)
		}
	}
	return r.completeLocked()
}

func (r *record) completeLocked() bool {
	if r.closed || !r.streamEnd || r.finished < r.emitted {
		return false
	}
	r.closed = true
	return true
}

// discard drops the record so it is never saved.
func (r *record) discard() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *record) snapshot() eventstore.PerformanceResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.result
	out.TTS = append([]eventstore.TTSMetric(nil), r.result.TTS...)
	out.Lipsync = append([]eventstore.LipsyncMetric(nil), r.result.Lipsync...)
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func throughput(tokens int, d time.Duration) float64 {
	if tokens <= 0 || d <= 0 {
		return 0
	}
	return float64(tokens) / d.Seconds()
}
