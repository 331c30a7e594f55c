package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fracture-scan/backend/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown payload IDs.
	ErrNotFound = errors.New("payload not found")
	// ErrTooLarge is returned when a payload exceeds the store's size limit.
	ErrTooLarge = errors.New("payload exceeds size limit")
)

// Store defines the interface for payload staging.
type Store interface {
	Save(name, mimeType string, r io.Reader) (*models.FileInfo, error)
	SaveBytes(name, mimeType string, data []byte) (*models.FileInfo, error)
	Open(id string) (io.ReadCloser, error)
	List(limit int) ([]*models.FileInfo, error)
	Delete(id string) error
}

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	mu       sync.RWMutex
	dir      string
	maxBytes int64
	files    map[string]*models.FileInfo
}

// NewLocalStore creates a new LocalStore. maxBytes <= 0 disables the size limit.
func NewLocalStore(dir string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	return &LocalStore{
		dir:      dir,
		maxBytes: maxBytes,
		files:    make(map[string]*models.FileInfo),
	}, nil
}

// Save copies a payload to the staging directory.
func (s *LocalStore) Save(name, mimeType string, r io.Reader) (*models.FileInfo, error) {
	id := uuid.New().String()
	path := filepath.Join(s.dir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	src := r
	if s.maxBytes > 0 {
		// One byte past the limit is enough to know it was exceeded
		src = io.LimitReader(r, s.maxBytes+1)
	}

	size, err := io.Copy(f, src)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		os.Remove(path)
		return nil, fmt.Errorf("staging %s: %w (%d bytes)", name, ErrTooLarge, s.maxBytes)
	}

	info := &models.FileInfo{
		ID:       id,
		Name:     name,
		Size:     size,
		MIMEType: mimeType,
		StoredAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = info

	return info, nil
}

// SaveBytes is Save for an in-memory payload.
func (s *LocalStore) SaveBytes(name, mimeType string, data []byte) (*models.FileInfo, error) {
	return s.Save(name, mimeType, bytes.NewReader(data))
}

// Open returns a reader over a staged payload. The caller closes it.
func (s *LocalStore) Open(id string) (io.ReadCloser, error) {
	s.mu.RLock()
	_, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	f, err := os.Open(filepath.Join(s.dir, id))
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	return f, nil
}

// List returns the most recently staged payloads.
func (s *LocalStore) List(limit int) ([]*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*models.FileInfo
	for _, info := range s.files {
		list = append(list, info)
	}

	// Sort by StoredAt desc
	sort.Slice(list, func(i, j int) bool {
		return list[i].StoredAt.After(list[j].StoredAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	return list, nil
}

// Delete removes a staged payload.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	path := filepath.Join(s.dir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}

	delete(s.files, id)
	return nil
}
