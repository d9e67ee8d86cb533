package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/backends"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

const (
	mockSynthDelay   = 200 * time.Millisecond
	mockLipsyncDelay = 400 * time.Millisecond
	mockTokenDelay   = 20 * time.Millisecond
)

type serviceClients struct {
	stt, tts, llm, lipsync, liveportrait *fetchapi.Client
}

func newServiceClients(cfg config.ServicesConfig, logger *slog.Logger) (serviceClients, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	build := func(name, base string) (*fetchapi.Client, error) {
		if base == "" {
			return nil, nil
		}
		client, err := fetchapi.New(base,
			fetchapi.WithTimeout(timeout),
			fetchapi.WithLogger(logger.With(slog.String("component", "fetchapi"), slog.String("service", name))))
		if err != nil {
			return nil, fmt.Errorf("%s service: %w", name, err)
		}
		return client, nil
	}

	var (
		out serviceClients
		err error
	)
	if out.stt, err = build("stt", cfg.STT); err != nil {
		return out, err
	}
	if out.tts, err = build("tts", cfg.TTS); err != nil {
		return out, err
	}
	if out.llm, err = build("llm", cfg.LLM); err != nil {
		return out, err
	}
	if out.lipsync, err = build("lipsync", cfg.Lipsync); err != nil {
		return out, err
	}
	if out.liveportrait, err = build("liveportrait", cfg.Liveportrait); err != nil {
		return out, err
	}
	return out, nil
}

func (c serviceClients) probers() map[string]backends.Prober {
	out := make(map[string]backends.Prober)
	for name, client := range map[string]*fetchapi.Client{
		"stt":          c.stt,
		"tts":          c.tts,
		"llm":          c.llm,
		"lipsync":      c.lipsync,
		"liveportrait": c.liveportrait,
	} {
		if client != nil {
			out[name] = client
		}
	}
	return out
}

func newSynth(cfg config.PipelineConfig, api *fetchapi.Client) tts.Synthesizer {
	if cfg.Backend == "mock" {
		return tts.NewMockSynth(mockSynthDelay)
	}
	return tts.NewHTTPSynth(api)
}

func newLipsync(cfg config.PipelineConfig, pb config.PlaybackConfig, api *fetchapi.Client) lipsync.Generator {
	if cfg.Backend == "mock" {
		return lipsync.NewMockGenerator(mockLipsyncDelay, pb.FPS)
	}
	return lipsync.NewHTTPGenerator(api)
}

func newTranscriber(cfg config.PipelineConfig, api *fetchapi.Client) stt.Transcriber {
	if cfg.Backend == "mock" {
		return stt.NewMockTranscriber()
	}
	return stt.NewHTTPTranscriber(api)
}

func newGenerator(cfg config.LLMConfig, api *fetchapi.Client) llm.Generator {
	if cfg.Mode == "mock" {
		return llm.NewMockGenerator("", mockTokenDelay)
	}
	return llm.NewOpenAIGenerator(api.BaseURL(), cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond)
}
