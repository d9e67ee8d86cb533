package skins

import (
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("mp4data"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestListFiltersMP4(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wen.mp4")
	writeFile(t, dir, "default.mp4")
	writeFile(t, dir, "notes.txt")
	if err := os.Mkdir(filepath.Join(dir, "nested.mp4"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := New(dir).List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0] != (Skin{Name: "default", URL: "default.mp4"}) || got[1].Name != "wen" {
		t.Fatalf("unexpected skins %+v", got)
	}
}

func TestListMissingDir(t *testing.T) {
	got, err := New(filepath.Join(t.TempDir(), "missing")).List()
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty list, got %v %v", got, err)
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wen.mp4")
	lib := New(dir)

	if err := lib.Delete("wen"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wen.mp4")); !os.IsNotExist(err) {
		t.Fatal("expected file removed")
	}
	if err := lib.Delete("wen"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, name := range []string{"", "  ", "../secret", "a/b", `a\b`} {
		if err := lib.Delete(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected invalid name for %q, got %v", name, err)
		}
	}
}

func TestServeFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wen.mp4")
	lib := New(dir)

	rec := httptest.NewRecorder()
	if err := lib.ServeFile(rec, httptest.NewRequest("GET", "/api/avatar-skins/wen.mp4", nil), "wen.mp4"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if rec.Code != 200 || rec.Body.String() != "mp4data" || rec.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if err := lib.ServeFile(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), "notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for non-mp4, got %v", err)
	}
}
