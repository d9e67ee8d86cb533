package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// LLMMetrics covers one streamed answer. Latencies are in milliseconds and
// throughput in tokens per second.
type LLMMetrics struct {
	TotalLatency float64 `json:"totalLatency"`
	TTFT         float64 `json:"ttft"`
	Throughput   float64 `json:"throughput"`
}

type TTSMetric struct {
	protocol.Latency
	Metadata struct {
		OutputAudioDuration float64 `json:"outputAudioDuration"`
	} `json:"metadata"`
}

type LipsyncMetric struct {
	protocol.Latency
	Metadata struct {
		FramesGenerated int `json:"framesGenerated"`
	} `json:"metadata"`
}

type ResultMetadata struct {
	InputAudioDurationInSeconds float64 `json:"inputAudioDurationInSeconds"`
	PromptTokens                int     `json:"promptTokens"`
	CompletionTokens            int     `json:"completionTokens"`
	TotalTokens                 int     `json:"totalTokens"`
}

// PerformanceResult is the latency breakdown of one spoken answer.
type PerformanceResult struct {
	ID        string           `json:"id"`
	SessionID string           `json:"sessionId,omitempty"`
	Denoise   protocol.Latency `json:"denoise"`
	STT       protocol.Latency `json:"stt"`
	LLM       LLMMetrics       `json:"llm"`
	TTS       []TTSMetric      `json:"tts"`
	Lipsync   []LipsyncMetric  `json:"lipsync"`
	Config    json.RawMessage  `json:"config,omitempty"`
	Metadata  ResultMetadata   `json:"metadata"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// CreateResult stores r under a new id. In ephemeral mode the result is
// returned with its id and timestamps but nothing is kept.
func (s *Store) CreateResult(ctx context.Context, r PerformanceResult) (PerformanceResult, error) {
	now := s.clock().UTC()
	r.ID = uuid.NewString()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.TTS == nil {
		r.TTS = []TTSMetric{}
	}
	if r.Lipsync == nil {
		r.Lipsync = []LipsyncMetric{}
	}
	if s.disabled() {
		return r, nil
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return PerformanceResult{}, fmt.Errorf("encode result: %w", err)
	}
	stamp := now.Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO performance_results(id, session_id, document, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, doc, stamp, stamp)
	if err != nil {
		return PerformanceResult{}, fmt.Errorf("insert result: %w", err)
	}
	return r, nil
}

// ListResults returns up to limit results, newest first. A limit of zero or
// less returns all of them.
func (s *Store) ListResults(ctx context.Context, limit int) ([]PerformanceResult, error) {
	if s.disabled() {
		return []PerformanceResult{}, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM performance_results ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []PerformanceResult{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r PerformanceResult
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetResult(ctx context.Context, id string) (PerformanceResult, error) {
	if s.disabled() {
		return PerformanceResult{}, ErrNotFound
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM performance_results WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return PerformanceResult{}, ErrNotFound
	}
	if err != nil {
		return PerformanceResult{}, err
	}
	var r PerformanceResult
	if err := json.Unmarshal(doc, &r); err != nil {
		return PerformanceResult{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

func (s *Store) DeleteResult(ctx context.Context, id string) error {
	if s.disabled() {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM performance_results WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
