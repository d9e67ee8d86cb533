package protocol

import "time"

// AudioFrame carries PCM16 LE microphone audio from a capture client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	// Discard drops the recording instead of transcribing it. Only honoured
	// on a Final frame.
	Discard bool `json:"discard,omitempty"`
}

// Transcript is a final STT result broadcast on the bus.
type Transcript struct {
	SessionID      string    `json:"session_id"`
	Text           string    `json:"text"`
	Partial        bool      `json:"partial"`
	Timestamp      time.Time `json:"timestamp"`
	AudioSeconds   float64   `json:"audio_seconds,omitempty"`
	STTLatency     Latency   `json:"stt_latency"`
	DenoiseLatency Latency   `json:"denoise_latency"`
}

// Latency pairs the round trip seen by the caller with the time the backend
// reported for inference, both in milliseconds.
type Latency struct {
	HTTPLatency      float64 `json:"httpLatency"`
	InferenceLatency float64 `json:"inferenceLatency"`
}

// RecorderError reports a capture session that ended without a transcript.
type RecorderError struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RecorderLevel is the live input level of a recording. Levels holds the
// visualiser buffer, oldest first.
type RecorderLevel struct {
	SessionID string    `json:"session_id"`
	Decibels  float64   `json:"decibels"`
	HasSound  bool      `json:"has_sound"`
	Elapsed   int       `json:"elapsed_seconds"`
	Levels    []float64 `json:"levels"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEvent describes the lifecycle of one chat turn.
type TurnEvent struct {
	SessionID  string    `json:"session_id"`
	Generation uint64    `json:"generation"`
	Index      int       `json:"index"`
	Text       string    `json:"text,omitempty"`
	URL        string    `json:"url,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatStopped is published when a chat is stopped or replaced.
type ChatStopped struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// BackendHeartbeat reports the health of one inference microservice.
type BackendHeartbeat struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Healthy   bool      `json:"healthy"`
	LatencyMS float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix       = "audio.frame"
	SubjectTranscriptFinal        = "stt.text.final"
	SubjectRecorderError          = "recorder.error"
	SubjectRecorderLevelPrefix    = "recorder.level"
	SubjectTurnEmitted            = "avatar.turn.emitted"
	SubjectTurnResolved           = "avatar.turn.resolved"
	SubjectTurnFailed             = "avatar.turn.failed"
	SubjectChatStopped            = "avatar.chat.stopped"
	SubjectBackendHeartbeatPrefix = "ctrl.backend.heartbeat"
)

func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

func RecorderLevelSubject(sessionID string) string {
	return SubjectRecorderLevelPrefix + "." + sessionID
}

func BackendHeartbeatSubject(name string) string {
	return SubjectBackendHeartbeatPrefix + "." + name
}
