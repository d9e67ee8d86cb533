package playback

import (
	"context"
	"math"
	"sync"
	"time"
)

type Mode string

const (
	ModeIdle    Mode = "idle"
	ModePlaying Mode = "playing"
)

// Frame is what the renderer shows on one tick. In idle mode Index is the
// idle loop frame; while playing it is the frame within the clip.
type Frame struct {
	Tick     uint64 `json:"tick"`
	Mode     Mode   `json:"mode"`
	Index    int    `json:"index"`
	Reversed bool   `json:"reversed"`
	Clip     *Item  `json:"clip,omitempty"`
	// Started is set on the first frame of a clip.
	Started bool `json:"started,omitempty"`
}

// Clock produces the ticks that drive the renderer.
type Clock interface {
	Ticker(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Ticker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// RealClock ticks on wall time.
var RealClock Clock = realClock{}

// Renderer advances one frame per tick. A resolved head always preempts the
// idle loop; anything else, including a pending placeholder, idles.
type Renderer struct {
	queue      *Queue
	fps        int
	idleFrames int

	mu         sync.Mutex
	tick       uint64
	mode       Mode
	idleIndex  int
	reversed   bool
	clip       Item
	clipFrame  int
	clipFrames int
	onFrame    []func(Frame)
	onClipDone []func(Item)
}

func NewRenderer(queue *Queue, fps, idleFrames int) *Renderer {
	if fps <= 0 {
		fps = 25
	}
	if idleFrames < 2 {
		idleFrames = 2
	}
	return &Renderer{queue: queue, fps: fps, idleFrames: idleFrames, mode: ModeIdle}
}

func (r *Renderer) FPS() int { return r.fps }

func (r *Renderer) IdleFrames() int { return r.idleFrames }

// OnFrame registers a callback for every rendered frame.
func (r *Renderer) OnFrame(fn func(Frame)) {
	r.mu.Lock()
	r.onFrame = append(r.onFrame, fn)
	r.mu.Unlock()
}

// OnClipDone registers a callback for every clip played to the end.
func (r *Renderer) OnClipDone(fn func(Item)) {
	r.mu.Lock()
	r.onClipDone = append(r.onClipDone, fn)
	r.mu.Unlock()
}

// Tick advances the renderer by one frame.
func (r *Renderer) Tick() Frame {
	r.mu.Lock()
	r.tick++
	var done *Item
	if r.mode == ModePlaying {
		r.clipFrame++
		if r.clipFrame < r.clipFrames {
			f := r.playingFrame(false)
			r.mu.Unlock()
			r.emit(f, nil)
			return f
		}
		finished := r.clip
		done = &finished
		r.queue.popIf(finished.ID)
		r.finishClip(finished)
	}

	var f Frame
	if head, ok := r.queue.Head(); ok && head.Resolved() {
		r.startClip(head)
		f = r.playingFrame(true)
	} else {
		f = r.idleFrame()
	}
	r.mu.Unlock()
	r.emit(f, done)
	return f
}

func (r *Renderer) emit(f Frame, done *Item) {
	r.mu.Lock()
	frameFns := append([]func(Frame){}, r.onFrame...)
	doneFns := append([]func(Item){}, r.onClipDone...)
	r.mu.Unlock()
	if done != nil {
		for _, fn := range doneFns {
			fn(*done)
		}
	}
	for _, fn := range frameFns {
		fn(f)
	}
}

func (r *Renderer) startClip(head Item) {
	r.mode = ModePlaying
	r.clip = head
	r.clipFrame = 0
	r.clipFrames = ClipFrames(head.Duration, r.fps)
}

// finishClip returns to idle in the direction the clip left the loop.
func (r *Renderer) finishClip(clip Item) {
	r.mode = ModeIdle
	r.clip = Item{}
	idleDuration := float64(r.idleFrames) / float64(r.fps)
	laps := int(math.Floor(clip.Duration / idleDuration))
	r.reversed = clip.Reversed != (laps%2 == 1)
	if r.reversed {
		r.idleIndex = r.idleFrames - 1
	} else {
		r.idleIndex = 0
	}
}

func (r *Renderer) playingFrame(started bool) Frame {
	clip := r.clip
	return Frame{Tick: r.tick, Mode: ModePlaying, Index: r.clipFrame, Reversed: clip.Reversed, Clip: &clip, Started: started}
}

// idleFrame shows the current idle frame and steps the ping-pong traversal.
func (r *Renderer) idleFrame() Frame {
	f := Frame{Tick: r.tick, Mode: ModeIdle, Index: r.idleIndex, Reversed: r.reversed}
	if r.reversed {
		r.idleIndex--
		if r.idleIndex <= 0 {
			r.idleIndex = 0
			r.reversed = false
		}
	} else {
		r.idleIndex++
		if r.idleIndex >= r.idleFrames-1 {
			r.idleIndex = r.idleFrames - 1
			r.reversed = true
		}
	}
	return f
}

// Reset abandons the current clip and returns to idle at the current
// position.
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = ModeIdle
	r.clip = Item{}
	r.clipFrame = 0
	r.clipFrames = 0
}

// State is a snapshot of the renderer.
type State struct {
	Mode      Mode   `json:"mode"`
	IdleIndex int    `json:"idle_index"`
	Reversed  bool   `json:"reversed"`
	Clip      *Item  `json:"clip,omitempty"`
	ClipFrame int    `json:"clip_frame"`
	Queue     []Item `json:"queue"`
	FPS       int    `json:"fps"`
	Frames    int    `json:"idle_frames"`
}

func (r *Renderer) State() State {
	r.mu.Lock()
	s := State{
		Mode:      r.mode,
		IdleIndex: r.idleIndex,
		Reversed:  r.reversed,
		ClipFrame: r.clipFrame,
		FPS:       r.fps,
		Frames:    r.idleFrames,
	}
	if r.mode == ModePlaying {
		clip := r.clip
		s.Clip = &clip
	}
	r.mu.Unlock()
	s.Queue = r.queue.Snapshot()
	return s
}

// Position is the idle loop frame and direction start frame prediction
// works from.
func (r *Renderer) Position() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleIndex, r.reversed
}

// Run ticks the renderer at its frame rate until ctx is done.
func (r *Renderer) Run(ctx context.Context, clock Clock) {
	if clock == nil {
		clock = RealClock
	}
	ticks, stop := clock.Ticker(time.Second / time.Duration(r.fps))
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			r.Tick()
		}
	}
}

// ClipFrames is the number of frames a clip of duration seconds occupies.
func ClipFrames(duration float64, fps int) int {
	n := int(math.Ceil(duration * float64(fps)))
	if n < 1 {
		n = 1
	}
	return n
}
