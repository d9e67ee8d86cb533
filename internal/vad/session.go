package vad

import (
	"errors"
	"time"
)

// ErrNoAudio is reported when a recording ends without any speech.
var ErrNoAudio = errors.New("No audio detected")

const (
	DefaultMinDecibels    = -45.0
	DefaultSilence        = 2 * time.Second
	DefaultVisualizerSize = 300
)

type Config struct {
	// MinDecibels is the level above which a frame counts as sound.
	MinDecibels float64
	// Silence is how long the level must stay below MinDecibels after
	// speech before the session asks to stop.
	Silence        time.Duration
	VisualizerSize int
}

func (c Config) withDefaults() Config {
	if c.MinDecibels == 0 {
		c.MinDecibels = DefaultMinDecibels
	}
	if c.Silence <= 0 {
		c.Silence = DefaultSilence
	}
	if c.VisualizerSize <= 0 {
		c.VisualizerSize = DefaultVisualizerSize
	}
	return c
}

// Frame is the analysis of one chunk of audio.
type Frame struct {
	RMS      float64
	Decibels float64
	Visual   float64
	HasSound bool
	// Stop is set once speech has been heard and the following silence
	// exceeded the configured window.
	Stop bool
}

// Session tracks one recording. It is not safe for concurrent use.
type Session struct {
	cfg       Config
	started   time.Time
	lastSound time.Time
	hasSpoken bool
	stopped   bool
	visual    []float64
	head      int
}

func NewSession(cfg Config, started time.Time) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		started:   started,
		lastSound: started,
		visual:    make([]float64, cfg.VisualizerSize),
	}
}

// Process analyses a PCM16 chunk captured at time at.
func (s *Session) Process(pcm []byte, at time.Time) Frame {
	return s.observe(RMSPCM16(pcm), at)
}

func (s *Session) observe(rms float64, at time.Time) Frame {
	f := Frame{RMS: rms, Decibels: Decibels(rms), Visual: NormalizeRMS(rms)}
	s.visual[s.head] = f.Visual
	s.head = (s.head + 1) % len(s.visual)

	f.HasSound = f.Decibels > s.cfg.MinDecibels
	if f.HasSound {
		s.hasSpoken = true
		s.lastSound = at
	}
	if s.hasSpoken && at.Sub(s.lastSound) > s.cfg.Silence {
		s.stopped = true
	}
	f.Stop = s.stopped
	return f
}

func (s *Session) HasSpoken() bool { return s.hasSpoken }

func (s *Session) Stopped() bool { return s.stopped }

// ElapsedSeconds is the whole number of seconds since the session started.
func (s *Session) ElapsedSeconds(now time.Time) int {
	d := now.Sub(s.started)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Visualizer returns the normalised levels oldest first. Slots not yet
// written are zero.
func (s *Session) Visualizer() []float64 {
	out := make([]float64, 0, len(s.visual))
	out = append(out, s.visual[s.head:]...)
	out = append(out, s.visual[:s.head]...)
	return out
}
