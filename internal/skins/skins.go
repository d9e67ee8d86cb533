// Package skins manages the avatar idle videos kept on disk.
package skins

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const extension = ".mp4"

var (
	ErrNotFound    = errors.New("skin not found")
	ErrInvalidName = errors.New("invalid skin name")
)

// Skin is one selectable avatar video. URL is the file name relative to the
// skins route.
type Skin struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Library struct {
	dir string
}

func New(dir string) *Library {
	return &Library{dir: dir}
}

func (l *Library) Dir() string { return l.dir }

// List returns every .mp4 in the directory sorted by name. A missing
// directory lists as empty.
func (l *Library) List() ([]Skin, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Skin{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skins dir: %w", err)
	}
	out := []Skin{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		out = append(out, Skin{Name: strings.TrimSuffix(e.Name(), extension), URL: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the skin called name.
func (l *Library) Delete(name string) error {
	path, err := l.path(name + extension)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete skin: %w", err)
	}
	return nil
}

// Open returns the skin file for serving.
func (l *Library) Open(file string) (*os.File, error) {
	if !strings.HasSuffix(file, extension) {
		return nil, ErrNotFound
	}
	path, err := l.path(file)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// ServeFile writes the skin file with range support.
func (l *Library) ServeFile(w http.ResponseWriter, r *http.Request, file string) error {
	f, err := l.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}

func (l *Library) path(file string) (string, error) {
	name := strings.TrimSuffix(file, extension)
	if strings.TrimSpace(name) == "" || strings.ContainsAny(file, `/\`) || strings.Contains(file, "..") {
		return "", ErrInvalidName
	}
	return filepath.Join(l.dir, file), nil
}
