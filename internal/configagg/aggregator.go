// Package configagg reads and updates the configuration of every inference
// backend as one document.
package configagg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
)

// Section names as they appear in the aggregated document.
const (
	SectionDenoiseSTT = "denoiseStt"
	SectionLLM        = "llm"
	SectionTTS        = "tts"
	SectionLipsync    = "lipsync"
)

var ErrUnknownSection = errors.New("unknown config section")

// Configs maps a section name to the backend's config payload. A section
// whose backend could not be reached is null.
type Configs map[string]json.RawMessage

type Aggregator struct {
	sections map[string]*fetchapi.Client
	logger   *slog.Logger
}

// New wires the four sections to their backends. A nil client leaves its
// section out.
func New(stt, llm, tts, lipsync *fetchapi.Client, logger *slog.Logger) *Aggregator {
	sections := map[string]*fetchapi.Client{}
	for name, api := range map[string]*fetchapi.Client{
		SectionDenoiseSTT: stt,
		SectionLLM:        llm,
		SectionTTS:        tts,
		SectionLipsync:    lipsync,
	} {
		if api != nil {
			sections[name] = api
		}
	}
	return &Aggregator{
		sections: sections,
		logger:   logger.With(slog.String("component", "configagg")),
	}
}

// Sections lists the configured section names in a stable order.
func (a *Aggregator) Sections() []string {
	names := make([]string, 0, len(a.sections))
	for name := range a.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get fetches every section concurrently.
func (a *Aggregator) Get(ctx context.Context) (Configs, error) {
	var (
		mu  sync.Mutex
		out = make(Configs, len(a.sections))
		g   errgroup.Group
	)
	for name, api := range a.sections {
		g.Go(func() error {
			resp := api.Get(ctx, "config")
			data := json.RawMessage("null")
			if err := resp.Err(); err != nil {
				a.logger.Warn("config fetch failed", slog.String("section", name), slogError(err))
			} else if len(resp.Data) > 0 {
				data = resp.Data
			}
			mu.Lock()
			out[name] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Update posts each section of partial to its backend concurrently and
// returns the refreshed document. Unknown sections are rejected before any
// backend is called; one failed update fails the whole call.
func (a *Aggregator) Update(ctx context.Context, partial map[string]json.RawMessage) (Configs, error) {
	for name := range partial {
		if _, ok := a.sections[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSection, name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, body := range partial {
		api := a.sections[name]
		g.Go(func() error {
			resp := api.Post(gctx, "update_config", body)
			if err := resp.Err(); err != nil {
				return fmt.Errorf("update %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Warn("config update failed", slogError(err))
		return nil, err
	}
	a.logger.Info("backend config updated", slog.Int("sections", len(partial)))
	return a.Get(ctx)
}

// Selected returns each section's selected_config as one JSON object.
func (a *Aggregator) Selected(ctx context.Context) (json.RawMessage, error) {
	configs, err := a.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(configs))
	for name, raw := range configs {
		var cfg struct {
			Selected json.RawMessage `json:"selected_config"`
		}
		if json.Unmarshal(raw, &cfg) != nil || len(cfg.Selected) == 0 {
			continue
		}
		out[name] = cfg.Selected
	}
	return json.Marshal(out)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
