package playback

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Service bundles the clip queue, the renderer, the audio-only player and
// the websocket hub, and drives them from one ticker goroutine.
type Service struct {
	Queue    *Queue
	Renderer *Renderer
	Audio    *AudioQueue
	Player   *AudioPlayer
	Hub      *Hub

	cfg    config.PlaybackConfig
	clock  Clock
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  bool
}

func NewService(parent context.Context, cfg config.PlaybackConfig, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	queue := NewQueue()
	audio := NewAudioQueue()
	s := &Service{
		Queue:    queue,
		Renderer: NewRenderer(queue, cfg.FPS, cfg.IdleFrames),
		Audio:    audio,
		Player:   NewAudioPlayer(audio, time.Now),
		Hub:      NewHub(logger, cfg.AllowedOrigins...),
		cfg:      cfg,
		clock:    RealClock,
		logger:   logger.With(slog.String("component", "playback")),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.Renderer.OnFrame(s.Hub.PublishFrame)
	s.Player.OnEvent(s.Hub.PublishAudio)
	s.Hub.WithSnapshot(s.Renderer.State)
	s.Hub.OnMessage(func(msg ClientMessage) {
		if msg.Type == "audio_error" {
			s.Player.Fail()
		}
	})
	return s
}

func (s *Service) Start() error {
	ticks, stop := s.clock.Ticker(time.Second / time.Duration(s.Renderer.FPS()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticks:
				s.Renderer.Tick()
				s.Player.Tick()
			}
		}
	}()
	s.ready = true
	s.logger.Info("playback clock started", slog.Int("fps", s.Renderer.FPS()), slog.Int("idle_frames", s.Renderer.IdleFrames()))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.ready }

// Reset drops every queued clip and audio entry and returns the renderer to
// the idle loop.
func (s *Service) Reset() {
	s.Queue.Clear()
	s.Renderer.Reset()
	s.Player.Clear()
}

// Predictor returns the start frame predictor for the configured loop.
func (s *Service) Predictor() StartFramePredictor {
	return StartFramePredictor{
		FPS:                 s.Renderer.FPS(),
		IdleFrames:          s.Renderer.IdleFrames(),
		TransferLatency:     time.Duration(s.cfg.TransferLatencyMS) * time.Millisecond,
		MinGeneration:       time.Duration(s.cfg.MinGenerationMS) * time.Millisecond,
		GenerationPerSecond: time.Duration(s.cfg.GenerationPerSecondMS) * time.Millisecond,
	}
}

// ServeHTTP upgrades renderer clients to the event websocket.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Hub.ServeHTTP(w, r)
}

func (s *Service) State() State {
	return s.Renderer.State()
}
