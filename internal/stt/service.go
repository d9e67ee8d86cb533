package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/vad"
	"github.com/nats-io/nats.go"
)

const (
	// defaultIdleTTL bounds how long a session may go without frames when
	// recordings have no maximum duration.
	defaultIdleTTL = 5 * time.Minute
	sweepInterval  = 30 * time.Second
	// minLevelDecibels stands in for silence, which is -Inf dBFS.
	minLevelDecibels = -160
)

// Service records microphone audio arriving on the bus, stops a recording
// after the speaker falls silent and publishes the transcript.
type Service struct {
	cfg         config.RecorderConfig
	bus         *bus.Client
	transcriber Transcriber
	logger      *slog.Logger
	clock       func() time.Time
	sessions    map[string]*sessionState
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sub         *nats.Subscription
	wg          sync.WaitGroup
	ready       bool
}

type sessionState struct {
	detector *vad.Session
	buffer   []byte
	started  time.Time
	lastSeen time.Time
	done     bool
}

// Outcome is the end of one recording.
type Outcome struct {
	SessionID  string
	Transcript *protocol.Transcript
	Err        error
}

func NewService(parent context.Context, cfg config.RecorderConfig, busClient *bus.Client, transcriber Transcriber, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		logger:      logger.With(slog.String("component", "recorder")),
		clock:       time.Now,
		sessions:    make(map[string]*sessionState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Subscribe(subject, s.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.wg.Add(1)
	go s.runSweeper()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// Active reports whether sessionID has a recording in progress.
func (s *Service) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	return state != nil && !state.done
}

func (s *Service) handleMsg(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	s.HandleFrame(frame)
}

// HandleFrame feeds one frame into its session. A recording ends when the
// detector reports trailing silence or the frame is marked final.
func (s *Service) HandleFrame(frame protocol.AudioFrame) {
	if frame.SessionID == "" {
		return
	}
	now := s.clock()

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state != nil && state.done {
		switch {
		case frame.Final:
			delete(s.sessions, frame.SessionID)
			s.mu.Unlock()
			return
		case frame.Sequence == 0:
			state = nil
		default:
			s.mu.Unlock()
			return
		}
	}
	if state == nil {
		state = &sessionState{
			detector: vad.NewSession(vad.Config{
				MinDecibels:    s.cfg.MinDecibels,
				Silence:        time.Duration(s.cfg.SilenceMS) * time.Millisecond,
				VisualizerSize: s.cfg.VisualizerSize,
			}, now),
			started: now,
		}
		s.sessions[frame.SessionID] = state
	}
	state.lastSeen = now
	stop := frame.Final
	var level *protocol.RecorderLevel
	if len(frame.PCM) > 0 {
		if s.withinLimit(state, frame) {
			state.buffer = append(state.buffer, frame.PCM...)
		} else {
			stop = true
		}
		f := state.detector.Process(frame.PCM, now)
		if f.Stop {
			stop = true
		}
		level = &protocol.RecorderLevel{
			SessionID: frame.SessionID,
			Decibels:  math.Max(f.Decibels, minLevelDecibels),
			HasSound:  f.HasSound,
			Elapsed:   state.detector.ElapsedSeconds(now),
			Levels:    state.detector.Visualizer(),
			Timestamp: now.UTC(),
		}
	}
	if !stop {
		s.mu.Unlock()
		s.publishLevel(level)
		return
	}
	pcm := state.buffer
	spoke := state.detector.HasSpoken()
	elapsed := state.detector.ElapsedSeconds(now)
	if frame.Final {
		delete(s.sessions, frame.SessionID)
	} else {
		state.done = true
		state.buffer = nil
	}
	s.mu.Unlock()
	s.publishLevel(level)

	if frame.Final && frame.Discard {
		s.logger.Info("recording discarded", slog.String("session_id", frame.SessionID))
		return
	}
	s.finish(frame.SessionID, pcm, spoke, elapsed, sampleRateOf(frame, s.cfg), channelsOf(frame, s.cfg))
}

func (s *Service) publishLevel(level *protocol.RecorderLevel) {
	if level == nil {
		return
	}
	if err := s.bus.PublishJSON(protocol.RecorderLevelSubject(level.SessionID), level); err != nil {
		s.logger.Debug("failed to publish recorder level", slogError(err))
	}
}

// idleTTL is how long a session may go without frames before it is
// dropped: the longest recording plus one silence window.
func (s *Service) idleTTL() time.Duration {
	if s.cfg.MaxDurationSecs <= 0 {
		return defaultIdleTTL
	}
	return time.Duration(s.cfg.MaxDurationSecs)*time.Second + time.Duration(s.cfg.SilenceMS)*time.Millisecond
}

func (s *Service) runSweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.clock())
		}
	}
}

// sweep drops sessions that have not seen a frame within idleTTL and
// returns how many it dropped. Audio of unfinished recordings is discarded.
func (s *Service) sweep(now time.Time) int {
	ttl := s.idleTTL()
	s.mu.Lock()
	removed := 0
	var expired []string
	for id, state := range s.sessions {
		if now.Sub(state.lastSeen) <= ttl {
			continue
		}
		delete(s.sessions, id)
		removed++
		if !state.done {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()
	for _, id := range expired {
		s.logger.Info("recording expired", slog.String("session_id", id))
	}
	return removed
}

func (s *Service) withinLimit(state *sessionState, frame protocol.AudioFrame) bool {
	if s.cfg.MaxDurationSecs <= 0 {
		return true
	}
	limit := s.cfg.MaxDurationSecs * sampleRateOf(frame, s.cfg) * channelsOf(frame, s.cfg) * 2
	return len(state.buffer)+len(frame.PCM) <= limit
}

func (s *Service) finish(sessionID string, pcm []byte, spoke bool, elapsed, sampleRate, channels int) {
	if !spoke || len(pcm) == 0 {
		s.publishError(sessionID, vad.ErrNoAudio)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.transcribe(sessionID, pcm, elapsed, sampleRate, channels)
		if out.Err != nil {
			s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(out.Err))
			s.publishError(sessionID, out.Err)
			return
		}
		if err := s.bus.PublishJSON(protocol.SubjectTranscriptFinal, out.Transcript); err != nil {
			s.logger.Warn("failed to publish transcript", slogError(err))
		}
	}()
}

func (s *Service) transcribe(sessionID string, pcm []byte, elapsed, sampleRate, channels int) Outcome {
	audio, err := EncodeWAV(pcm, sampleRate, channels)
	if err != nil {
		return Outcome{SessionID: sessionID, Err: err}
	}
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()
	res, err := s.transcriber.Transcribe(ctx, Request{
		Audio:      audio,
		Filename:   "recording.wav",
		Language:   s.cfg.Language,
		UseDenoise: s.cfg.UseDenoise,
	})
	if err != nil {
		return Outcome{SessionID: sessionID, Err: err}
	}
	if res.Text == "" {
		return Outcome{SessionID: sessionID, Err: errors.New("empty transcript")}
	}
	return Outcome{SessionID: sessionID, Transcript: &protocol.Transcript{
		SessionID:    sessionID,
		Text:         res.Text,
		Timestamp:    s.clock().UTC(),
		AudioSeconds: float64(elapsed),
		STTLatency: protocol.Latency{
			HTTPLatency:      res.Metrics.HTTPLatency,
			InferenceLatency: res.Metrics.STTLatency,
		},
		DenoiseLatency: protocol.Latency{InferenceLatency: res.Metrics.DenoiseLatency},
	}}
}

func (s *Service) publishError(sessionID string, err error) {
	msg := protocol.RecorderError{
		SessionID: sessionID,
		Message:   err.Error(),
		Timestamp: s.clock().UTC(),
	}
	if pubErr := s.bus.PublishJSON(protocol.SubjectRecorderError, msg); pubErr != nil {
		s.logger.Warn("failed to publish recorder error", slogError(pubErr))
	}
}

func sampleRateOf(frame protocol.AudioFrame, cfg config.RecorderConfig) int {
	if frame.SampleRate > 0 {
		return frame.SampleRate
	}
	return cfg.SampleRate
}

func channelsOf(frame protocol.AudioFrame, cfg config.RecorderConfig) int {
	if frame.Channels > 0 {
		return frame.Channels
	}
	return cfg.Channels
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
