package claude

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
)

const (
	defaultMaxTokens = 4096
	jsonInstruction  = "Respond with a single JSON document and nothing else."
	stopRefusal      = "refusal"
)

type ClaudeProvider struct {
	apiKey string
	client anthropic.Client
}

type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an Anthropic-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

func New(apiKey string, opts ...Option) *ClaudeProvider {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	for _, opt := range opts {
		opt(&reqOpts)
	}

	return &ClaudeProvider{
		apiKey: apiKey,
		client: anthropic.NewClient(reqOpts...),
	}
}

func (p *ClaudeProvider) Name() provider.Tag {
	return provider.TagClaude
}

func (p *ClaudeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.apiKey == "" {
		return nil, provider.NewError(p.Name(), provider.KindConfiguration, provider.ErrMissingCredentials)
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, p.mapRequest(req))
	if err != nil {
		return nil, p.mapError(err)
	}

	// Cache reads and writes are billed as input.
	usage := provider.Usage{
		InputTokens:  int(msg.Usage.InputTokens + msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	if string(msg.StopReason) == stopRefusal {
		return nil, provider.NewError(p.Name(), provider.KindSafety, provider.ErrSafetyBlocked).WithUsage(usage)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, provider.NewError(p.Name(), provider.KindMalformed, provider.ErrEmptyResponse).WithUsage(usage)
	}

	model := string(msg.Model)
	if model == "" {
		model = req.Model
	}

	return &provider.Response{
		ID:        msg.ID,
		Content:   text.String(),
		Model:     model,
		Usage:     usage,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.StructuredOutput {
		system = append(system, anthropic.TextBlockParam{Text: jsonInstruction})
	}

	maxTokens := defaultMaxTokens
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		maxTokens = *req.MaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		System:    system,
		Messages:  messages,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

// 529 is Anthropic's "overloaded"; FromStatus treats it as transient.
func (p *ClaudeProvider) mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatus(p.Name(), apiErr.StatusCode, apiErr.Error())
	}
	return provider.FromTransport(p.Name(), err)
}
