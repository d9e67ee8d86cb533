package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/configagg"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/rag"
	"github.com/loqalabs/loqa-avatar/internal/skins"
	"github.com/loqalabs/loqa-avatar/internal/stt"
)

const (
	defaultChunkSize    = 512
	defaultChunkOverlap = 0
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	configs, err := s.opts.Configs.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "Error fetching configurations: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": configs, "status": http.StatusOK})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var partial map[string]json.RawMessage
	if err := decodeJSON(w, r, &partial); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	configs, err := s.opts.Configs.Update(r.Context(), partial)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, configagg.ErrUnknownSection) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "Error updating configurations: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": configs, "status": http.StatusOK})
}

func (s *Server) handleListSkins(w http.ResponseWriter, _ *http.Request) {
	list, err := s.opts.Skins.List()
	if err != nil {
		s.logger.Error("list skins failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch skins")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteSkin(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("skinName")
	if name == "" {
		writeError(w, http.StatusBadRequest, "Missing skin name")
		return
	}
	err := s.opts.Skins.Delete(name)
	switch {
	case err == nil:
		s.logger.Info("skin deleted", slog.String("skin", name))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Skin deleted"})
	case errors.Is(err, skins.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid skin name")
	case errors.Is(err, skins.ErrNotFound):
		writeError(w, http.StatusNotFound, "Skin not found")
	default:
		s.logger.Error("delete skin failed", slog.String("skin", name), slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete skin")
	}
}

func (s *Server) handleSkinFile(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Skins.ServeFile(w, r, r.PathValue("file"))
	switch {
	case err == nil:
	case errors.Is(err, skins.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid skin name")
	case errors.Is(err, skins.ErrNotFound):
		writeError(w, http.StatusNotFound, "Skin not found")
	default:
		writeError(w, http.StatusInternalServerError, "Failed to read skin")
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.opts.RAG.Models(r.Context()))
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Model) == "" {
		writeError(w, http.StatusBadRequest, "model must not be empty")
		return
	}
	writeEnvelope(w, s.opts.RAG.Pull(r.Context(), body.Model))
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.opts.RAG.Sources(r.Context()))
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := rag.Page{Source: q.Get("source")}
	page.Page, _ = strconv.Atoi(q.Get("page"))
	page.PageSize, _ = strconv.Atoi(q.Get("pageSize"))
	writeEnvelope(w, s.opts.RAG.Embeddings(r.Context(), page))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chunkSize := queryInt(q.Get("chunk_size"), defaultChunkSize)
	chunkOverlap := queryInt(q.Get("chunk_overlap"), defaultChunkOverlap)
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	writeEnvelope(w, s.opts.RAG.Upload(r.Context(), chunkSize, chunkOverlap, body, contentType))
}

func (s *Server) handleDeleteEmbedding(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.opts.RAG.DeleteByUUID(r.Context(), r.PathValue("uuid")))
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.opts.RAG.DeleteBySource(r.Context(), r.PathValue("source")))
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil || len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "No file")
		return
	}

	req := stt.Request{
		Audio:      audio,
		Filename:   header.Filename,
		Language:   r.FormValue("language"),
		UseDenoise: r.FormValue("use_denoise") == "true",
	}
	res, err := s.opts.Transcriber.Transcribe(r.Context(), req)
	if err != nil {
		s.logger.Warn("transcription failed", slogError(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 0)
	results, err := s.opts.Results.ListResults(r.Context(), limit)
	if err != nil {
		s.logger.Error("list results failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to list performance results")
		return
	}
	if results == nil {
		results = []eventstore.PerformanceResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCreateResult(w http.ResponseWriter, r *http.Request) {
	var in eventstore.PerformanceResult
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.opts.Results.CreateResult(r.Context(), in)
	if err != nil {
		s.logger.Error("create result failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to save performance result")
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Results.GetResult(r.Context(), r.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Performance result not found")
		return
	}
	if err != nil {
		s.logger.Error("get result failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to read performance result")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Results.DeleteResult(r.Context(), r.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Performance result not found")
		return
	}
	if err != nil {
		s.logger.Error("delete result failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete performance result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePlaybackState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Player.State())
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Backends.Snapshot())
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 0)
	events, err := s.opts.Timeline.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("list session events failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Failed to list session events")
		return
	}
	out := make([]sessionEvent, 0, len(events))
	for _, e := range events {
		out = append(out, sessionEvent{
			ID:        e.ID,
			SessionID: e.SessionID,
			TraceID:   e.TraceID,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
