package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{ tag Tag }

func (s *stubProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	return &Response{Content: "ok", Model: req.Model, Provider: s.tag}, nil
}

func (s *stubProvider) Name() Tag { return s.tag }

func TestRegistry_GetUnknownIsConfigurationError(t *testing.T) {
	r := NewRegistry(&stubProvider{tag: TagOpenAI})

	_, err := r.Get(TagClaude)
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
	assert.True(t, errors.Is(err, ErrUnknownProvider))

	p, err := r.Get(TagOpenAI)
	require.NoError(t, err)
	assert.Equal(t, TagOpenAI, p.Name())
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubProvider{tag: TagGemini}))
	require.Error(t, r.Register(&stubProvider{tag: TagGemini}))
	require.Error(t, r.Register(nil))
	assert.Len(t, r.Tags(), 1)
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusBadRequest, KindConfiguration},
		{http.StatusUnauthorized, KindConfiguration},
		{http.StatusForbidden, KindConfiguration},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
	}
	for _, tt := range tests {
		err := FromStatus(TagOpenAI, tt.status, "boom")
		assert.Equal(t, tt.want, err.Kind, "status %d", tt.status)
		assert.Equal(t, tt.status, err.StatusCode)
	}
}

func TestFromTransport(t *testing.T) {
	err := FromTransport(TagClaude, context.DeadlineExceeded)
	assert.Equal(t, KindTransient, err.Kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	orig := NewError(TagClaude, KindSafety, ErrSafetyBlocked)
	assert.Same(t, orig, FromTransport(TagClaude, orig))
}

func TestUsageOf(t *testing.T) {
	_, ok := UsageOf(FromTransport(TagOpenAI, context.DeadlineExceeded))
	assert.False(t, ok)
	_, ok = UsageOf(errors.New("plain"))
	assert.False(t, ok)

	refused := NewError(TagOpenAI, KindSafety, ErrSafetyBlocked).WithUsage(Usage{InputTokens: 40, OutputTokens: 3})
	u, ok := UsageOf(fmt.Errorf("attempt: %w", refused))
	require.True(t, ok)
	assert.Equal(t, Usage{InputTokens: 40, OutputTokens: 3}, u)
	assert.Equal(t, KindSafety, KindOf(refused))
}

func TestKindOf_PlainErrorIsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
	assert.False(t, IsConfiguration(nil))
}

func TestTag_Valid(t *testing.T) {
	assert.True(t, TagClaude.Valid())
	assert.True(t, TagMock.Valid())
	assert.False(t, Tag("mistral").Valid())
	assert.False(t, Tag("").Valid())
}
