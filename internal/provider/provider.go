package provider

import (
	"context"
)

// Tag identifies one member of the closed set of vendor adapters.
type Tag string

const (
	TagOpenAI Tag = "openai"
	TagClaude Tag = "claude"
	TagGemini Tag = "gemini"
	TagMock   Tag = "mock"
)

func (t Tag) Valid() bool {
	switch t {
	case TagOpenAI, TagClaude, TagGemini, TagMock:
		return true
	}
	return false
}

type Request struct {
	Model    string
	Messages []Message
	// StructuredOutput asks the vendor for a JSON document instead of free text.
	StructuredOutput bool
	Temperature      *float64
	MaxOutputTokens  *int
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Usage is the vendor-neutral token count of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Response struct {
	ID        string
	Content   string
	Model     string
	Provider  Tag
	Usage     Usage
	LatencyMs int64
}

type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Name() Tag
}

func IntPtr(v int) *int { return &v }

func Float64Ptr(v float64) *float64 { return &v }
