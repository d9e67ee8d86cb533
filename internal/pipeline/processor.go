// Package pipeline turns chat turns into playable media one turn at a time:
// speech first, then a lipsynced clip, strictly in emission order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/telemetry"
	"github.com/loqalabs/loqa-avatar/internal/tts"
	"github.com/loqalabs/loqa-avatar/internal/turns"
)

var (
	ErrClosed = errors.New("pipeline: processor closed")
	// ErrStale rejects a turn enqueued for a generation that was reset.
	ErrStale     = errors.New("pipeline: stale generation")
	errEmptyTurn = errors.New("turn has no speakable text")
)

// Clips is the playback queue the processor fills. *playback.Queue
// satisfies it.
type Clips interface {
	Add(item playback.Item)
	Resolve(id int, url string, startFrame int, reversed bool, duration float64) bool
	Remove(id int) bool
	TotalDuration() float64
}

// AudioSink receives speech in audio-only mode. *playback.AudioQueue
// satisfies it.
type AudioSink interface {
	Add(id int, text string)
	SetAudio(id int, url string, duration float64) bool
	Remove(id int) bool
}

type Options struct {
	Config  config.PipelineConfig
	Synth   tts.Synthesizer
	Lipsync lipsync.Generator
	Clips   Clips
	Audio   AudioSink
	// Predictor and Position enable start frame prediction when both are
	// set and Config.PredictStartFrame is on.
	Predictor *playback.StartFramePredictor
	Position  func() (int, bool)
	Bus       *bus.Client
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Result reports how one turn ended. Err is set when the turn was dropped.
type Result struct {
	SessionID  string
	Generation uint64
	Turn       turns.Turn
	URL        string
	Duration   float64
	StartFrame int
	Reversed   bool
	TTS        tts.Result
	Lipsync    lipsync.Result
	Err        error
}

type job struct {
	sessionID string
	turn      turns.Turn
}

type enqueueMsg struct {
	job      job
	gen      uint64
	checkGen bool
	reply    chan error
}

type resetMsg struct{ done chan struct{} }

type outcome struct {
	gen    uint64
	itemID int
	result Result
}

// Processor is a single goroutine that owns the turn queue. Only one turn
// is in flight at a time; Reset cancels it and discards anything it
// produces afterwards.
type Processor struct {
	opts       Options
	audioMode  bool
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	inbox   chan any
	results chan outcome
	gen     atomic.Uint64
	ready   atomic.Bool

	mu       sync.Mutex
	onResult []func(Result)
}

func NewProcessor(parent context.Context, opts Options) (*Processor, error) {
	if opts.Synth == nil {
		return nil, errors.New("pipeline: synthesizer is required")
	}
	audioMode := opts.Config.Mode == "audio"
	if audioMode && opts.Audio == nil {
		return nil, errors.New("pipeline: audio mode needs an audio sink")
	}
	if !audioMode && (opts.Lipsync == nil || opts.Clips == nil) {
		return nil, errors.New("pipeline: avatar mode needs a lipsync generator and a clip queue")
	}
	if opts.Config.MaxAttempts < 1 {
		opts.Config.MaxAttempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Processor{
		opts:      opts,
		audioMode: audioMode,
		logger:    logger.With(slog.String("component", "pipeline")),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan any),
		results: make(chan outcome),
	}, nil
}

// OnResult registers a callback for every turn of the current generation.
// Callbacks run on the processor goroutine and must not call Reset.
func (p *Processor) OnResult(fn func(Result)) {
	p.mu.Lock()
	p.onResult = append(p.onResult, fn)
	p.mu.Unlock()
}

func (p *Processor) Start() error {
	p.wg.Add(1)
	go p.run()
	p.ready.Store(true)
	p.logger.Info("turn processor started",
		slog.String("mode", p.opts.Config.Mode),
		slog.Int("max_attempts", p.opts.Config.MaxAttempts))
	return nil
}

func (p *Processor) Close() {
	p.cancel()
	p.wg.Wait()
	p.ready.Store(false)
}

func (p *Processor) Healthy() bool { return p.ready.Load() }

// Generation is bumped by every Reset.
func (p *Processor) Generation() uint64 { return p.gen.Load() }

// Enqueue queues a turn behind everything already waiting.
func (p *Processor) Enqueue(sessionID string, turn turns.Turn) error {
	return p.enqueue(enqueueMsg{job: job{sessionID: sessionID, turn: turn}})
}

// EnqueueGeneration queues a turn only if no Reset happened since gen was
// read from Generation.
func (p *Processor) EnqueueGeneration(gen uint64, sessionID string, turn turns.Turn) error {
	return p.enqueue(enqueueMsg{job: job{sessionID: sessionID, turn: turn}, gen: gen, checkGen: true})
}

func (p *Processor) enqueue(msg enqueueMsg) error {
	msg.reply = make(chan error, 1)
	select {
	case p.inbox <- msg:
	case <-p.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-msg.reply:
		return err
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Reset cancels the turn in flight and drops every queued turn. It returns
// once the processor has moved to the new generation.
func (p *Processor) Reset() error {
	done := make(chan struct{})
	select {
	case p.inbox <- resetMsg{done: done}:
	case <-p.ctx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	}
}

func (p *Processor) run() {
	defer p.wg.Done()

	var (
		pending []job
		busy    bool
		nextID  int
		gen     uint64
	)
	genCtx, genCancel := context.WithCancel(p.ctx)
	defer func() { genCancel() }()

	for {
		if !busy && len(pending) > 0 {
			next := pending[0]
			pending = pending[1:]
			busy = true
			p.begin(genCtx, gen, nextID, next)
			nextID++
		}

		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.inbox:
			switch m := msg.(type) {
			case enqueueMsg:
				if m.checkGen && m.gen != gen {
					m.reply <- ErrStale
					continue
				}
				m.reply <- nil
				pending = append(pending, m.job)
				p.publish(protocol.SubjectTurnEmitted, protocol.TurnEvent{
					SessionID:  m.job.sessionID,
					Generation: gen,
					Index:      m.job.turn.Index,
					Text:       m.job.turn.Text,
				})
				p.opts.Metrics.Turn(p.ctx, "emitted")
			case resetMsg:
				genCancel()
				genCtx, genCancel = context.WithCancel(p.ctx)
				gen++
				p.gen.Store(gen)
				if len(pending) > 0 || busy {
					p.logger.Info("turn queue reset", slog.Int("dropped", len(pending)), slog.Bool("in_flight", busy))
				}
				pending = nil
				busy = false
				close(m.done)
			}
		case out := <-p.results:
			if out.gen != gen {
				p.logger.Debug("discarding late turn result",
					slog.Uint64("generation", out.gen),
					slog.Int("index", out.result.Turn.Index))
				continue
			}
			busy = false
			p.finish(out)
		}
	}
}

// begin reserves the turn's slot in playback and starts its requests.
func (p *Processor) begin(ctx context.Context, gen uint64, itemID int, j job) {
	if p.audioMode {
		p.opts.Audio.Add(itemID, j.turn.Text)
	} else {
		p.opts.Clips.Add(playback.Item{ID: itemID})
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		res := p.process(ctx, j)
		res.Generation = gen
		select {
		case p.results <- outcome{gen: gen, itemID: itemID, result: res}:
		case <-p.ctx.Done():
		}
	}()
}

func (p *Processor) process(ctx context.Context, j job) Result {
	res := Result{SessionID: j.sessionID, Turn: j.turn}
	if timeout := time.Duration(p.opts.Config.TurnTimeoutMS) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	text := turns.Sanitize(j.turn.Text)
	if strings.TrimSpace(text) == "" {
		res.Err = errEmptyTurn
		return res
	}

	speech, err := retry(ctx, p, func() (tts.Result, error) {
		return p.opts.Synth.Synthesize(ctx, tts.Request{
			Text:    text,
			Speaker: p.opts.Config.Speaker,
			Speed:   p.opts.Config.Speed,
		})
	})
	if err != nil {
		res.Err = fmt.Errorf("tts: %w", err)
		return res
	}
	res.TTS = speech
	res.Duration = speech.Duration
	p.opts.Metrics.RecordTTS(ctx, speech.HTTPLatency)

	if p.audioMode {
		res.URL = speech.AudioURL
		if res.URL == "" {
			res.Err = errors.New("tts: no audio url")
		}
		return res
	}

	if p.opts.Config.PredictStartFrame && p.opts.Predictor != nil && p.opts.Position != nil {
		current, reversed := p.opts.Position()
		res.StartFrame, res.Reversed = p.opts.Predictor.Predict(p.opts.Clips.TotalDuration()+speech.Duration, current, reversed)
	}

	clip, err := retry(ctx, p, func() (lipsync.Result, error) {
		return p.opts.Lipsync.Generate(ctx, lipsync.Request{
			Filename:   speech.Filename,
			StartFrame: res.StartFrame,
			Reversed:   res.Reversed,
			Enhance:    p.opts.Config.Enhance,
		})
	})
	if err != nil {
		res.Err = fmt.Errorf("lipsync: %w", err)
		return res
	}
	res.Lipsync = clip
	res.URL = clip.URL
	p.opts.Metrics.RecordLipsync(ctx, clip.HTTPLatency)
	return res
}

func retry[T any](ctx context.Context, p *Processor, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		return v, err
	}, backoff.WithBackOff(p.newBackOff()), backoff.WithMaxTries(uint(p.opts.Config.MaxAttempts)))
}

// finish applies a current-generation result to playback and reports it.
func (p *Processor) finish(out outcome) {
	res := out.result
	if res.Err != nil {
		if p.audioMode {
			p.opts.Audio.Remove(out.itemID)
		} else {
			p.opts.Clips.Remove(out.itemID)
		}
		p.logger.Warn("turn dropped",
			slog.String("session_id", res.SessionID),
			slog.Int("index", res.Turn.Index),
			slogError(res.Err))
		p.publish(protocol.SubjectTurnFailed, protocol.TurnEvent{
			SessionID:  res.SessionID,
			Generation: res.Generation,
			Index:      res.Turn.Index,
			Text:       res.Turn.Text,
			Error:      res.Err.Error(),
		})
		p.opts.Metrics.Turn(p.ctx, "failed")
	} else {
		if p.audioMode {
			p.opts.Audio.SetAudio(out.itemID, res.URL, res.Duration)
		} else {
			p.opts.Clips.Resolve(out.itemID, res.URL, res.StartFrame, res.Reversed, res.Duration)
		}
		p.publish(protocol.SubjectTurnResolved, protocol.TurnEvent{
			SessionID:  res.SessionID,
			Generation: res.Generation,
			Index:      res.Turn.Index,
			URL:        res.URL,
			Duration:   res.Duration,
		})
		p.opts.Metrics.Turn(p.ctx, "resolved")
	}

	p.mu.Lock()
	fns := append([]func(Result){}, p.onResult...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
}

func (p *Processor) publish(subject string, ev protocol.TurnEvent) {
	ev.Timestamp = time.Now().UTC()
	if err := p.opts.Bus.PublishJSON(subject, ev); err != nil {
		p.logger.Warn("failed to publish turn event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
