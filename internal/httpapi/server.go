// Package httpapi is the HTTP surface of avatard: the chat stream, the
// settings and RAG proxies, skins, performance results and the playback
// websocket.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-avatar/internal/backends"
	"github.com/loqalabs/loqa-avatar/internal/chat"
	"github.com/loqalabs/loqa-avatar/internal/configagg"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/loqalabs/loqa-avatar/internal/rag"
	"github.com/loqalabs/loqa-avatar/internal/skins"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/telemetry"
)

const (
	checkTimeout   = 5 * time.Second
	maxJSONBody    = 1 << 20
	maxUploadBytes = 64 << 20
)

// ChatService runs and stops chats. *chat.Service satisfies it.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Reply, error)
	Stop(reason string) error
	Active() (string, bool)
}

// ConfigService reads and updates the microservice settings.
type ConfigService interface {
	Get(ctx context.Context) (configagg.Configs, error)
	Update(ctx context.Context, partial map[string]json.RawMessage) (configagg.Configs, error)
}

// RAGService proxies the LLM service's model and embedding endpoints.
type RAGService interface {
	Models(ctx context.Context) fetchapi.Response
	Pull(ctx context.Context, model string) fetchapi.Response
	Sources(ctx context.Context) fetchapi.Response
	Embeddings(ctx context.Context, page rag.Page) fetchapi.Response
	Upload(ctx context.Context, chunkSize, chunkOverlap int, body io.Reader, contentType string) fetchapi.Response
	DeleteByUUID(ctx context.Context, id string) fetchapi.Response
	DeleteBySource(ctx context.Context, source string) fetchapi.Response
}

// ResultStore persists performance results. *eventstore.Store satisfies it.
type ResultStore interface {
	CreateResult(ctx context.Context, r eventstore.PerformanceResult) (eventstore.PerformanceResult, error)
	ListResults(ctx context.Context, limit int) ([]eventstore.PerformanceResult, error)
	GetResult(ctx context.Context, id string) (eventstore.PerformanceResult, error)
	DeleteResult(ctx context.Context, id string) error
}

// Timeline reads the events recorded for a chat session.
// *eventstore.Store satisfies it.
type Timeline interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

// Player exposes the playback websocket and the renderer state.
type Player interface {
	http.Handler
	State() playback.State
}

// BackendView lists the last known backend health.
type BackendView interface {
	Snapshot() []backends.Backend
}

// Checker is one readiness check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options wires the server. Routes whose dependency is nil are not
// registered.
type Options struct {
	Chat        ChatService
	Configs     ConfigService
	Skins       *skins.Library
	RAG         RAGService
	Transcriber stt.Transcriber
	Results     ResultStore
	Timeline    Timeline
	Player      Player
	Backends    BackendView
	Metrics     http.Handler
	Telemetry   *telemetry.Metrics
	Checkers    []Checker
	Logger      *slog.Logger
}

type Server struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	mux    *http.ServeMux
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		logger: logger.With(slog.String("component", "http")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-avatar/internal/httpapi"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
	if s.opts.Chat != nil {
		s.mux.HandleFunc("POST /api/chat", s.handleChat)
		s.mux.HandleFunc("POST /api/chat/stop", s.handleChatStop)
	}
	if s.opts.Configs != nil {
		s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
		s.mux.HandleFunc("POST /api/config", s.handleUpdateConfig)
	}
	if s.opts.Skins != nil {
		s.mux.HandleFunc("GET /api/avatar-skins", s.handleListSkins)
		s.mux.HandleFunc("DELETE /api/avatar-skins", s.handleDeleteSkin)
		s.mux.HandleFunc("GET /api/avatar-skins/{file}", s.handleSkinFile)
	}
	if s.opts.RAG != nil {
		s.mux.HandleFunc("GET /api/llm/models", s.handleModels)
		s.mux.HandleFunc("POST /api/llm/pull", s.handlePull)
		s.mux.HandleFunc("GET /api/llm/rag/text_embedding_sources", s.handleSources)
		s.mux.HandleFunc("GET /api/llm/rag/text_embeddings", s.handleEmbeddings)
		s.mux.HandleFunc("POST /api/llm/rag/text_embeddings", s.handleUpload)
		s.mux.HandleFunc("DELETE /api/llm/rag/text_embeddings/{uuid}", s.handleDeleteEmbedding)
		s.mux.HandleFunc("DELETE /api/llm/rag/text_embeddings/source/{source}", s.handleDeleteSource)
	}
	if s.opts.Transcriber != nil {
		s.mux.HandleFunc("POST /api/stt", s.handleTranscribe)
	}
	if s.opts.Results != nil {
		s.mux.HandleFunc("GET /api/performance-results", s.handleListResults)
		s.mux.HandleFunc("POST /api/performance-results", s.handleCreateResult)
		s.mux.HandleFunc("GET /api/performance-results/{id}", s.handleGetResult)
		s.mux.HandleFunc("DELETE /api/performance-results/{id}", s.handleDeleteResult)
	}
	if s.opts.Timeline != nil {
		s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	}
	if s.opts.Player != nil {
		s.mux.Handle("GET /api/playback", s.opts.Player)
		s.mux.HandleFunc("GET /api/playback/state", s.handlePlaybackState)
	}
	if s.opts.Backends != nil {
		s.mux.HandleFunc("GET /api/backends", s.handleBackends)
	}
}

// ServeHTTP traces every request and records its duration by route pattern.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
	defer span.End()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r = r.WithContext(ctx)
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	span.SetAttributes(attribute.Int("http.status_code", rec.status), attribute.String("http.route", route))
	if rec.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rec.status))
	}
	s.opts.Telemetry.RecordHTTP(ctx, route, rec.status, time.Since(started).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.opts.Checkers))
	ok := true
	for _, c := range s.opts.Checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
			continue
		}
		checks[c.Name] = "ok"
	}
	status := http.StatusOK
	body := map[string]any{"status": "ok", "checks": checks}
	if !ok {
		status = http.StatusServiceUnavailable
		body["status"] = "fail"
	}
	writeJSON(w, status, body)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Success: false, Error: msg})
}

// writeEnvelope forwards a backend envelope, mapping failures to 502.
func writeEnvelope(w http.ResponseWriter, resp fetchapi.Response) {
	status := http.StatusOK
	if !resp.Status {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the playback websocket take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
