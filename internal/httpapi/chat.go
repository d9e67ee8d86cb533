package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-avatar/internal/chat"
)

// handleChat streams the answer as server-sent events. Each event carries
// its type as the SSE event name and the chat.Event as JSON data.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	req.Source = "http"

	rc := http.NewResponseController(w)
	started := false
	emit := func(ev chat.Event) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	_, err := s.opts.Chat.Chat(r.Context(), req, emit)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrStopped):
		if started {
			_ = emit(chat.Event{Type: chat.EventDone})
			return
		}
		writeError(w, http.StatusConflict, "chat stopped")
	case errors.Is(err, chat.ErrNoMessages):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Warn("chat failed", slogError(err))
		if !started {
			writeError(w, http.StatusBadGateway, err.Error())
		}
	}
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	id, active := s.opts.Chat.Active()
	if err := s.opts.Chat.Stop("user"); err != nil {
		s.logger.Error("chat stop failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to stop chat")
		return
	}
	if active {
		s.logger.Info("chat stopped", slog.String("session_id", id))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": active, "session_id": id})
}
