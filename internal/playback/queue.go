// Package playback owns the ordered clip queue and the frame clock that
// decides between generated clips and the idle loop.
package playback

import (
	"sync"
)

// Item is one avatar clip. It enters the queue as a placeholder with no URL
// when its turn starts processing and is resolved once the clip exists.
type Item struct {
	ID         int     `json:"id"`
	URL        string  `json:"url,omitempty"`
	Reversed   bool    `json:"reversed"`
	Duration   float64 `json:"duration"`
	StartFrame int     `json:"start_frame"`
}

// Resolved reports whether the clip is ready to play.
func (i Item) Resolved() bool {
	return i.URL != ""
}

// Queue is a FIFO of clips safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	onChange func(depth int)
}

func NewQueue() *Queue {
	return &Queue{}
}

// OnChange registers a callback invoked with the new depth after every
// mutation. It runs outside the queue lock.
func (q *Queue) OnChange(fn func(depth int)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

func (q *Queue) notify() {
	q.mu.Lock()
	fn := q.onChange
	n := len(q.items)
	q.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Add appends a clip, usually an unresolved placeholder.
func (q *Queue) Add(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
}

// Resolve fills in a placeholder. It reports false when no item has id.
func (q *Queue) Resolve(id int, url string, startFrame int, reversed bool, duration float64) bool {
	q.mu.Lock()
	found := false
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].URL = url
			q.items[i].StartFrame = startFrame
			q.items[i].Reversed = reversed
			q.items[i].Duration = duration
			found = true
			break
		}
	}
	q.mu.Unlock()
	if found {
		q.notify()
	}
	return found
}

// Remove drops the item with id wherever it sits.
func (q *Queue) Remove(id int) bool {
	q.mu.Lock()
	found := false
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()
	if found {
		q.notify()
	}
	return found
}

// Pop removes and returns the head.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Item{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()
	q.notify()
	return head, true
}

// popIf removes the head only when it is the item with id.
func (q *Queue) popIf(id int) bool {
	q.mu.Lock()
	if len(q.items) == 0 || q.items[0].ID != id {
		q.mu.Unlock()
		return false
	}
	q.items = q.items[1:]
	q.mu.Unlock()
	q.notify()
	return true
}

func (q *Queue) Head() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TotalDuration sums the durations of resolved clips still queued.
func (q *Queue) TotalDuration() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total float64
	for _, it := range q.items {
		total += it.Duration
	}
	return total
}

func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}
