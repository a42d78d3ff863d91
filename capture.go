package main

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Store.Get for unknown capture IDs.
var ErrNotFound = errors.New("capture not found")

// Capture is one request recorded by the sink.
type Capture struct {
	ID         int64               `json:"id"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body"`
	ReceivedAt time.Time           `json:"received_at"`
	Findings   []string            `json:"findings,omitempty"`
}

// Store keeps captured requests for later inspection over the API.
type Store interface {
	// Save records a capture and returns its assigned ID.
	Save(c Capture) (int64, error)
	// Get returns the capture with the given ID, or ErrNotFound.
	Get(id int64) (Capture, error)
	// List returns all retained captures, oldest first.
	List() ([]Capture, error)
}

// MemoryStore is the default Store: a bounded in-memory ring. When full,
// the oldest capture is dropped.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	max      int
	captures []Capture
}

// NewMemoryStore creates a store retaining at most max captures.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max, nextID: 1}
}

func (m *MemoryStore) Save(c Capture) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = m.nextID
	m.nextID++

	m.captures = append(m.captures, c)
	if len(m.captures) > m.max {
		m.captures = m.captures[1:]
	}
	return c.ID, nil
}

func (m *MemoryStore) Get(id int64) (Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.captures {
		if c.ID == id {
			return c, nil
		}
	}
	return Capture{}, ErrNotFound
}

func (m *MemoryStore) List() ([]Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Capture, len(m.captures))
	copy(out, m.captures)
	return out, nil
}
