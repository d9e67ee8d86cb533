package lipsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-avatar/internal/fetchapi"
)

func TestHTTPGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/inference_from_filename" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["filename"] == "missing.wav" {
			_, _ = w.Write([]byte(`{"message":"file does not exist"}`))
			return
		}
		q := r.URL.Query()
		if q.Get("starting_frame") != "12" || q.Get("reversed") != "1" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"url":"a1b2","inference_latency":1.25,"frames_generated":50}`))
	}))
	defer srv.Close()

	api, err := fetchapi.New(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	gen := NewHTTPGenerator(api)
	res, err := gen.Generate(context.Background(), Request{Filename: "abc.wav", StartFrame: 12, Reversed: true})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.URL != srv.URL+"/v1/video/a1b2" {
		t.Fatalf("unexpected url %q", res.URL)
	}
	if res.FramesGenerated != 50 || res.InferenceLatency != 1.25 {
		t.Fatalf("unexpected result %+v", res)
	}

	_, err = gen.Generate(context.Background(), Request{Filename: "missing.wav"})
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Fatalf("expected missing file error, got %v", err)
	}
	if _, err := gen.Generate(context.Background(), Request{}); err == nil {
		t.Fatal("expected error without filename")
	}
}
