package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
)

func TestHTTPTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "recording.wav" || string(data) != "RIFF" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("language") != "english" || r.FormValue("use_denoise") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":true,"text":"turn on the lights","metrics":{"denoise_latency":0.1,"stt_latency":0.3,"http_latency":0.5}}`))
	}))
	defer srv.Close()

	api, err := fetchapi.New(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	res, err := NewHTTPTranscriber(api).Transcribe(context.Background(), Request{Audio: []byte("RIFF"), UseDenoise: true})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "turn on the lights" || res.Metrics.STTLatency != 0.3 || res.Metrics.DenoiseLatency != 0.1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestEncodeWAV(t *testing.T) {
	data, err := EncodeWAV(pcmTone(1000, 160), 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 44+320 {
		t.Fatalf("expected 364 bytes, got %d", len(data))
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing wav header")
	}
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected error for unaligned pcm")
	}
}
