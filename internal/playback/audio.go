package playback

import (
	"sync"
	"time"
)

// AudioEntry is one sentence of audio-only playback. AudioURL stays empty
// until speech for Text has been generated.
type AudioEntry struct {
	ID       int     `json:"id"`
	Text     string  `json:"text"`
	AudioURL string  `json:"audio_url,omitempty"`
	Duration float64 `json:"duration"`
}

// AudioQueue is the FIFO used when the pipeline runs without an avatar.
type AudioQueue struct {
	mu      sync.Mutex
	entries []AudioEntry
}

func NewAudioQueue() *AudioQueue {
	return &AudioQueue{}
}

// Add queues text that is waiting for audio under id.
func (q *AudioQueue) Add(id int, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, AudioEntry{ID: id, Text: text})
}

// SetAudio attaches audio to the entry with id. An empty url is ignored.
func (q *AudioQueue) SetAudio(id int, url string, duration float64) bool {
	if url == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id && q.entries[i].AudioURL == "" {
			q.entries[i].AudioURL = url
			q.entries[i].Duration = duration
			return true
		}
	}
	return false
}

// Remove drops the pending entry with id. Entries that already have audio
// stay, since the player may be playing them.
func (q *AudioQueue) Remove(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id && q.entries[i].AudioURL == "" {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// playable returns the head when it has audio and the entry after it is
// absent or also has audio.
func (q *AudioQueue) playable() (AudioEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].AudioURL == "" {
		return AudioEntry{}, false
	}
	if len(q.entries) > 1 && q.entries[1].AudioURL == "" {
		return AudioEntry{}, false
	}
	return q.entries[0], true
}

func (q *AudioQueue) popHead() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 {
		q.entries = q.entries[1:]
	}
}

func (q *AudioQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

func (q *AudioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *AudioQueue) Snapshot() []AudioEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]AudioEntry(nil), q.entries...)
}

type AudioEventType string

const (
	AudioPlay  AudioEventType = "play"
	AudioEnded AudioEventType = "ended"
	AudioError AudioEventType = "error"
	AudioStop  AudioEventType = "stop"
)

// AudioEvent tells subscribers to start or stop a clip.
type AudioEvent struct {
	Type  AudioEventType `json:"type"`
	Entry AudioEntry     `json:"entry"`
}

// AudioPlayer plays the AudioQueue one entry at a time. A clip counts as
// played once its duration has elapsed on the player's clock.
type AudioPlayer struct {
	queue   *AudioQueue
	now     func() time.Time
	mu      sync.Mutex
	current *AudioEntry
	endsAt  time.Time
	onEvent []func(AudioEvent)
}

func NewAudioPlayer(queue *AudioQueue, now func() time.Time) *AudioPlayer {
	if now == nil {
		now = time.Now
	}
	return &AudioPlayer{queue: queue, now: now}
}

func (p *AudioPlayer) OnEvent(fn func(AudioEvent)) {
	p.mu.Lock()
	p.onEvent = append(p.onEvent, fn)
	p.mu.Unlock()
}

func (p *AudioPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Tick finishes the current clip when its time is up and starts the next
// playable one.
func (p *AudioPlayer) Tick() {
	var events []AudioEvent
	p.mu.Lock()
	if p.current != nil && !p.now().Before(p.endsAt) {
		events = append(events, AudioEvent{Type: AudioEnded, Entry: *p.current})
		p.current = nil
		p.queue.popHead()
	}
	if p.current == nil {
		if entry, ok := p.queue.playable(); ok {
			p.current = &entry
			p.endsAt = p.now().Add(time.Duration(entry.Duration * float64(time.Second)))
			events = append(events, AudioEvent{Type: AudioPlay, Entry: entry})
		}
	}
	fns := append([]func(AudioEvent){}, p.onEvent...)
	p.mu.Unlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Fail drops the current clip after a client reported it could not play.
func (p *AudioPlayer) Fail() {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return
	}
	ev := AudioEvent{Type: AudioError, Entry: *p.current}
	p.current = nil
	p.queue.popHead()
	fns := append([]func(AudioEvent){}, p.onEvent...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Clear stops the current clip and flushes the queue.
func (p *AudioPlayer) Clear() {
	p.mu.Lock()
	var events []AudioEvent
	if p.current != nil {
		events = append(events, AudioEvent{Type: AudioStop, Entry: *p.current})
		p.current = nil
	}
	p.queue.clear()
	fns := append([]func(AudioEvent){}, p.onEvent...)
	p.mu.Unlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
