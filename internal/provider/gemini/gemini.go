package gemini

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
)

const jsonMIMEType = "application/json"

type GeminiProvider struct {
	apiKey  string
	baseURL string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

type Option func(*GeminiProvider)

func WithBaseURL(url string) Option {
	return func(p *GeminiProvider) {
		p.baseURL = url
	}
}

func New(apiKey string, opts ...Option) *GeminiProvider {
	p := &GeminiProvider{apiKey: apiKey}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GeminiProvider) Name() provider.Tag {
	return provider.TagGemini
}

// The genai client is built on first use so that a missing key surfaces as a
// configuration error on the call instead of at startup.
func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		cfg := &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		}
		if p.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
		}
		p.client, p.clientErr = genai.NewClient(context.WithoutCancel(ctx), cfg)
	})
	return p.client, p.clientErr
}

func (p *GeminiProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.apiKey == "" {
		return nil, provider.NewError(p.Name(), provider.KindConfiguration, provider.ErrMissingCredentials)
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, provider.NewError(p.Name(), provider.KindConfiguration, err)
	}

	contents, cfg := p.mapRequest(req)

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, p.mapError(err)
	}

	var usage provider.Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, provider.NewError(p.Name(), provider.KindSafety, provider.ErrSafetyBlocked).WithUsage(usage)
	}
	if len(resp.Candidates) == 0 {
		return nil, provider.NewError(p.Name(), provider.KindMalformed, provider.ErrEmptyResponse).WithUsage(usage)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, provider.NewError(p.Name(), provider.KindSafety, provider.ErrSafetyBlocked).WithUsage(usage)
	}

	text := resp.Text()
	if text == "" {
		return nil, provider.NewError(p.Name(), provider.KindMalformed, provider.ErrEmptyResponse).WithUsage(usage)
	}

	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}

	return &provider.Response{
		ID:        resp.ResponseID,
		Content:   text,
		Model:     model,
		Usage:     usage,
		Provider:  p.Name(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(*req.MaxOutputTokens)
	}
	if req.StructuredOutput {
		cfg.ResponseMIMEType = jsonMIMEType
	}
	return contents, cfg
}

func (p *GeminiProvider) mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.FromStatus(p.Name(), apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return provider.FromStatus(p.Name(), apiErrPtr.Code, apiErrPtr.Message)
	}
	return provider.FromTransport(p.Name(), err)
}
