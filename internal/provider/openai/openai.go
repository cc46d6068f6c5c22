package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
)

type OpenAIProvider struct {
	apiKey string
	client openai.Client
}

type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

func New(apiKey string, opts ...Option) *OpenAIProvider {
	// Fallback is the gateway's job; the SDK must not retry on its own.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	for _, opt := range opts {
		opt(&reqOpts)
	}

	return &OpenAIProvider{
		apiKey: apiKey,
		client: openai.NewClient(reqOpts...),
	}
}

func (p *OpenAIProvider) Name() provider.Tag {
	return provider.TagOpenAI
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.apiKey == "" {
		return nil, provider.NewError(p.Name(), provider.KindConfiguration, provider.ErrMissingCredentials)
	}

	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, p.mapRequest(req))
	if err != nil {
		return nil, p.mapError(err)
	}

	// The vendor answered, so every reply below is billed.
	usage := provider.Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}

	if len(completion.Choices) == 0 {
		return nil, provider.NewError(p.Name(), provider.KindMalformed, provider.ErrEmptyResponse).WithUsage(usage)
	}

	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" || choice.Message.Refusal != "" {
		return nil, provider.NewError(p.Name(), provider.KindSafety, provider.ErrSafetyBlocked).WithUsage(usage)
	}
	if choice.Message.Content == "" {
		return nil, provider.NewError(p.Name(), provider.KindMalformed, provider.ErrEmptyResponse).WithUsage(usage)
	}

	model := completion.Model
	if model == "" {
		model = req.Model
	}

	return &provider.Response{
		ID:        completion.ID,
		Content:   choice.Message.Content,
		Model:     model,
		Usage:     usage,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxOutputTokens))
	}
	if req.StructuredOutput {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

func (p *OpenAIProvider) mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatus(p.Name(), apiErr.StatusCode, apiErr.Message)
	}
	return provider.FromTransport(p.Name(), err)
}
