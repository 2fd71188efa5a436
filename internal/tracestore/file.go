package tracestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bimmerbailey/phantom/internal/trace"
)

// FileVersion is the current .tracemap document version.
const FileVersion = 1

// File is the .tracemap document: run counters plus the token map.
type File struct {
	Version     int               `json:"version"`
	GeneratedAt time.Time         `json:"generated_at"`
	Report      *trace.Report     `json:"report,omitempty"`
	Tokens      map[string]string `json:"tokens"`
}

// WriteFile writes a .tracemap document atomically.
func WriteFile(path string, r *trace.Report, tokens map[string]string) error {
	if tokens == nil {
		tokens = map[string]string{}
	}
	doc := File{
		Version:     FileVersion,
		GeneratedAt: time.Now().UTC(),
		Report:      r,
		Tokens:      tokens,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tracemap-*")
	if err != nil {
		return fmt.Errorf("write trace map: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write trace map: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile reads a .tracemap document.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc File
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse trace map %s: %w", path, err)
	}
	if doc.Version > FileVersion {
		return nil, fmt.Errorf("trace map %s has unsupported version %d", path, doc.Version)
	}
	if doc.Tokens == nil {
		doc.Tokens = map[string]string{}
	}
	return &doc, nil
}

// FileStore keeps the token map in a single .tracemap file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) read() (*File, error) {
	doc, err := ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &File{Version: FileVersion, Tokens: map[string]string{}}, nil
	}
	return doc, err
}

// Save merges entries into the file.
func (s *FileStore) Save(ctx context.Context, runID string, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	for token, original := range entries {
		if existing, ok := doc.Tokens[token]; ok && existing != original {
			return &trace.TokenCollisionError{Token: token}
		}
		doc.Tokens[token] = original
	}
	return WriteFile(s.path, doc.Report, doc.Tokens)
}

// SaveRun replaces the stored run summary.
func (s *FileStore) SaveRun(ctx context.Context, r *trace.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	return WriteFile(s.path, r, doc.Tokens)
}

// Load returns the stored tokens. A missing file holds no tokens.
func (s *FileStore) Load(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Tokens, nil
}

func (s *FileStore) Close() error { return nil }
