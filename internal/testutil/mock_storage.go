// mock_storage.go - Mock storage implementation for testing
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fracture-scan/backend/internal/models"
	"github.com/fracture-scan/backend/internal/storage"
)

// MockStorage implements storage.Store in memory for testing
type MockStorage struct {
	files    map[string]*models.FileInfo
	fileData map[string][]byte
	mu       sync.RWMutex

	// SaveErr, when set, is returned by every Save call
	SaveErr error
	// OpenErr, when set, is returned by every Open call
	OpenErr error
	// DeleteErr, when set, is returned by every Delete call
	DeleteErr error
	// SaveGate, when set, blocks Save until it is closed or receives
	SaveGate chan struct{}

	saves   int
	deletes int
}

// NewMockStorage creates a new mock storage with default implementations
func NewMockStorage() *MockStorage {
	return &MockStorage{
		files:    make(map[string]*models.FileInfo),
		fileData: make(map[string][]byte),
	}
}

func (m *MockStorage) Save(name, mimeType string, r io.Reader) (*models.FileInfo, error) {
	m.mu.RLock()
	gate := m.SaveGate
	saveErr := m.SaveErr
	m.mu.RUnlock()

	if gate != nil {
		<-gate
	}
	if saveErr != nil {
		return nil, saveErr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := generateTestID()
	file := &models.FileInfo{
		ID:       id,
		Name:     name,
		Size:     int64(len(data)),
		MIMEType: mimeType,
		StoredAt: time.Now(),
	}

	m.files[id] = file
	m.fileData[id] = data
	m.saves++
	return file, nil
}

func (m *MockStorage) SaveBytes(name, mimeType string, data []byte) (*models.FileInfo, error) {
	return m.Save(name, mimeType, bytes.NewReader(data))
}

func (m *MockStorage) Open(id string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	data, ok := m.fileData[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockStorage) List(limit int) ([]*models.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var files []*models.FileInfo
	for _, file := range m.files {
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].StoredAt.After(files[j].StoredAt)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func (m *MockStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if _, exists := m.files[id]; !exists {
		return storage.ErrNotFound
	}

	delete(m.files, id)
	delete(m.fileData, id)
	m.deletes++
	return nil
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

// Test Helper Methods

// SetSaveErr changes the injected Save failure
func (m *MockStorage) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr = err
}

// Block makes subsequent Save calls wait until the returned release func is called
func (m *MockStorage) Block() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.SaveGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.SaveGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// GetFileData returns the file content
func (m *MockStorage) GetFileData(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.fileData[id]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

// GetFileCount returns the number of stored files
func (m *MockStorage) GetFileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// SaveCount returns how many payloads were staged successfully
func (m *MockStorage) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// DeleteCount returns how many payloads were deleted
func (m *MockStorage) DeleteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deletes
}

// Clear removes all files
func (m *MockStorage) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string]*models.FileInfo)
	m.fileData = make(map[string][]byte)
}

// generateTestID generates a simple test ID
var testIDCounter int
var testIDMutex sync.Mutex

func generateTestID() string {
	testIDMutex.Lock()
	defer testIDMutex.Unlock()
	testIDCounter++
	return fmt.Sprintf("test-id-%d", testIDCounter)
}
