package playback

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Event is one message pushed to renderer clients.
type Event struct {
	Type  string      `json:"type"`
	Frame *Frame      `json:"frame,omitempty"`
	Audio *AudioEvent `json:"audio,omitempty"`
	State *State      `json:"state,omitempty"`
}

// ClientMessage is what a renderer client may send back.
type ClientMessage struct {
	Type string `json:"type"`
}

// Hub fans render events out to websocket subscribers. A subscriber that
// cannot keep up loses events rather than slowing the frame clock.
type Hub struct {
	logger    *slog.Logger
	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	dropped   func()
	onMessage func(ClientMessage)
	snapshot  func() State
	origins   []string
}

type subscriber struct {
	ch chan Event
}

// NewHub builds a hub that accepts websocket clients from the same origin or
// from hosts matching one of originPatterns.
func NewHub(logger *slog.Logger, originPatterns ...string) *Hub {
	return &Hub{
		logger:  logger.With(slog.String("component", "playback-hub")),
		subs:    make(map[*subscriber]struct{}),
		origins: originPatterns,
	}
}

// OnDrop registers a callback counting dropped events.
func (h *Hub) OnDrop(fn func()) { h.dropped = fn }

// OnMessage registers the handler for client messages.
func (h *Hub) OnMessage(fn func(ClientMessage)) { h.onMessage = fn }

// WithSnapshot makes new subscribers receive the current state first.
func (h *Hub) WithSnapshot(fn func() State) { h.snapshot = fn }

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) PublishFrame(f Frame) {
	h.Broadcast(Event{Type: "frame", Frame: &f})
}

func (h *Hub) PublishAudio(ev AudioEvent) {
	h.Broadcast(Event{Type: "audio", Audio: &ev})
}

func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			if h.dropped != nil {
				h.dropped()
			}
		}
	}
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if h.snapshot != nil {
		state := h.snapshot()
		sub.ch <- Event{Type: "state", State: &state}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until either side goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", slogError(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	go h.readLoop(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-sub.ch:
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("websocket write failed", slogError(err))
				}
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if h.onMessage != nil {
			h.onMessage(msg)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
