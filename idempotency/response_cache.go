package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/foodsaga/contracts"
)

// DefaultResponseTTL is how long a cached response answers replays
const DefaultResponseTTL = 24 * time.Hour

// CachedResponse is a stored HTTP response for an idempotency key
type CachedResponse struct {
	Fingerprint string    `json:"fingerprint"`
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
}

// ResponseStore persists cached responses
type ResponseStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Put(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error
}

// ResponseCache replays responses for requests repeated under the same
// idempotency key
type ResponseCache struct {
	store ResponseStore
	ttl   time.Duration
	now   func() time.Time
}

// ResponseCacheOption configures a ResponseCache
type ResponseCacheOption func(*ResponseCache)

// WithResponseTTL sets how long responses are kept
func WithResponseTTL(ttl time.Duration) ResponseCacheOption {
	return func(c *ResponseCache) {
		c.ttl = ttl
	}
}

// NewResponseCache creates a cache on store
func NewResponseCache(store ResponseStore, options ...ResponseCacheOption) *ResponseCache {
	c := &ResponseCache{store: store, ttl: DefaultResponseTTL, now: time.Now}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Fingerprint hashes a request scope and body
func Fingerprint(scope string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the response cached for key, or nil on a miss. A key reused
// with a different request returns a ValidationError. Blank keys always miss.
func (c *ResponseCache) Lookup(ctx context.Context, key, scope string, body []byte) (*CachedResponse, error) {
	if key == "" {
		return nil, nil
	}

	resp, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	if resp.Fingerprint != Fingerprint(scope, body) {
		return nil, &contracts.ValidationError{
			Field:   "idempotency-key",
			Message: "idempotency key already used with a different request",
		}
	}
	return resp, nil
}

// Store caches a response under key. Blank keys are ignored.
func (c *ResponseCache) Store(ctx context.Context, key, scope string, body []byte, status int, contentType string, respBody []byte) error {
	if key == "" {
		return nil
	}
	resp := CachedResponse{
		Fingerprint: Fingerprint(scope, body),
		Status:      status,
		ContentType: contentType,
		Body:        append([]byte(nil), respBody...),
		StoredAt:    c.now().UTC(),
	}
	if err := c.store.Put(ctx, key, resp, c.ttl); err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

type memoryResponse struct {
	resp      CachedResponse
	expiresAt time.Time
}

// MemoryResponseStore keeps responses in process memory
type MemoryResponseStore struct {
	mu    sync.Mutex
	items map[string]memoryResponse
	now   func() time.Time
}

// NewMemoryResponseStore creates an empty store
func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{items: make(map[string]memoryResponse), now: time.Now}
}

// Get implements ResponseStore
func (s *MemoryResponseStore) Get(_ context.Context, key string) (*CachedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	if !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil, nil
	}
	resp := item.resp
	return &resp, nil
}

// Put implements ResponseStore
func (s *MemoryResponseStore) Put(_ context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := memoryResponse{resp: resp}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

// RedisResponseStore keeps responses as JSON values with a Redis TTL
type RedisResponseStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisResponseStore creates a store on client
func NewRedisResponseStore(client redis.UniversalClient) *RedisResponseStore {
	return &RedisResponseStore{client: client, prefix: "idempotency:response:"}
}

// Get implements ResponseStore
func (s *RedisResponseStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, nil
}

// Put implements ResponseStore
func (s *RedisResponseStore) Put(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}
