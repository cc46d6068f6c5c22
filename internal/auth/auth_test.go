package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/ai-usage-gateway/pkg/logger"
)

type fakeStore struct {
	keys  map[string]*ServiceKey
	err   error
	calls int
}

func (f *fakeStore) GetByKey(ctx context.Context, key string) (*ServiceKey, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	k, ok := f.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

func (f *fakeStore) Create(ctx context.Context, key *ServiceKey) error { return nil }

type mapCache struct {
	entries map[string]*ServiceKey
	getErr  error
}

func (m *mapCache) Get(ctx context.Context, keyHash string) (*ServiceKey, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.entries[keyHash], nil
}

func (m *mapCache) Set(ctx context.Context, keyHash string, key *ServiceKey) error {
	m.entries[keyHash] = key
	return nil
}

type captured struct {
	service, userID, requestID string
}

func serve(t *testing.T, store Store, cache KeyCache, req *http.Request) (*httptest.ResponseRecorder, *captured) {
	t.Helper()
	got := &captured{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.service = GetService(r.Context())
		got.userID = GetUserID(r.Context())
		got.requestID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	NewMiddleware(store, cache, logger.Nop())(next).ServeHTTP(w, req)
	return w, got
}

func TestMiddleware_ResolvesServiceAndCaches(t *testing.T) {
	store := &fakeStore{keys: map[string]*ServiceKey{"quiz-key": {ID: "k1", Service: "quiz", Active: true}}}
	cache := &mapCache{entries: map[string]*ServiceKey{}}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/invoke", nil)
		req.Header.Set("Authorization", "Bearer quiz-key")
		req.Header.Set(HeaderUserID, "user-42")

		w, got := serve(t, store, cache, req)
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "quiz", got.service)
		assert.Equal(t, "user-42", got.userID)
		assert.NotEmpty(t, got.requestID)
		assert.Equal(t, got.requestID, w.Header().Get(HeaderRequestID))
	}
	assert.Equal(t, 1, store.calls, "second request should be served from cache")
	assert.Contains(t, cache.entries, HashKey("quiz-key"))
}

func TestMiddleware_KeepsCallerRequestID(t *testing.T) {
	store := &fakeStore{keys: map[string]*ServiceKey{"k": {Service: "lp"}}}
	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("Authorization", "Bearer k")
	req.Header.Set(HeaderRequestID, "req-abc")

	_, got := serve(t, store, &mapCache{entries: map[string]*ServiceKey{}}, req)
	assert.Equal(t, "req-abc", got.requestID)
}

func TestMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
		store  *fakeStore
		want   int
	}{
		{"no header", "", &fakeStore{}, http.StatusUnauthorized},
		{"not bearer", "Basic abc", &fakeStore{}, http.StatusUnauthorized},
		{"unknown key", "Bearer nope", &fakeStore{keys: map[string]*ServiceKey{}}, http.StatusUnauthorized},
		{"store down", "Bearer any", &fakeStore{err: errors.New("connection refused")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/invoke", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w, got := serve(t, tt.store, &mapCache{entries: map[string]*ServiceKey{}}, req)
			assert.Equal(t, tt.want, w.Code)
			assert.Empty(t, got.service)
		})
	}
}

func TestMiddleware_CacheErrorFallsThroughToStore(t *testing.T) {
	store := &fakeStore{keys: map[string]*ServiceKey{"k": {Service: "book"}}}
	cache := &mapCache{entries: map[string]*ServiceKey{}, getErr: errors.New("redis down")}
	req := httptest.NewRequest(http.MethodPost, "/v1/invoke", nil)
	req.Header.Set("Authorization", "Bearer k")

	w, got := serve(t, store, cache, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "book", got.service)
}

func TestHashKey(t *testing.T) {
	assert.Len(t, HashKey("x"), 64)
	assert.Equal(t, HashKey("x"), HashKey("x"))
	assert.NotEqual(t, HashKey("x"), HashKey("y"))
	assert.Contains(t, GenerateKey(), "aug_")
}
