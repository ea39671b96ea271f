package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEmptyKey is returned for a blank dedupe key
var ErrEmptyKey = errors.New("idempotency: dedupe key is empty")

// Store persists processed markers, one collection per consumer namespace
type Store interface {
	// Seen reports whether key was marked in namespace
	Seen(ctx context.Context, namespace, key string) (bool, error)

	// MarkSeen records key. Marking an existing key is not an error.
	MarkSeen(ctx context.Context, namespace, key string) error

	// TryMark records key only if it is absent and reports whether this call
	// created it. It is the atomic check-and-set used by multi-instance
	// deployments.
	TryMark(ctx context.Context, namespace, key string) (bool, error)

	// Unmark removes key so a failed claimed effect can run again
	Unmark(ctx context.Context, namespace, key string) error
}

// Marker is one processed event record
type Marker struct {
	Namespace string
	Key       string
	CreatedAt time.Time
}

// MemoryStore keeps markers in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	markers map[string]map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markers: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Seen implements Store
func (s *MemoryStore) Seen(_ context.Context, namespace, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.markers[namespace][key]
	return ok, nil
}

// MarkSeen implements Store
func (s *MemoryStore) MarkSeen(ctx context.Context, namespace, key string) error {
	_, err := s.TryMark(ctx, namespace, key)
	return err
}

// TryMark implements Store
func (s *MemoryStore) TryMark(_ context.Context, namespace, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.markers[namespace]
	if !ok {
		ns = make(map[string]time.Time)
		s.markers[namespace] = ns
	}
	if _, exists := ns[key]; exists {
		return false, nil
	}
	ns[key] = s.now().UTC()
	return true, nil
}

// Unmark implements Store
func (s *MemoryStore) Unmark(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers[namespace], key)
	return nil
}

// Markers returns the markers of a namespace
func (s *MemoryStore) Markers(namespace string) []Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Marker, 0, len(s.markers[namespace]))
	for k, at := range s.markers[namespace] {
		out = append(out, Marker{Namespace: namespace, Key: k, CreatedAt: at})
	}
	return out
}
