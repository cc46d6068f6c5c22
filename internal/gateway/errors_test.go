package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
	"github.com/vnmchuo/ai-usage-gateway/internal/quota"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, CodeSuccess},
		{"limit", &InvokeError{Err: &LimitExceededError{Status: quota.Status{}}}, CodeLimitExceeded},
		{"unavailable", fmt.Errorf("%w: boom", ErrAIUnavailable), CodeAIUnavailable},
		{"invalid response", &InvokeError{Err: fmt.Errorf("%w: x", ErrInvalidResponse)}, CodeInvalidResponse},
		{"configuration", fmt.Errorf("%w: missing key", ErrConfiguration), CodeConfiguration},
		{"provider configuration", provider.NewError(provider.TagClaude, provider.KindConfiguration, provider.ErrMissingCredentials), CodeConfiguration},
		{"invalid request", fmt.Errorf("%w: no user", ErrInvalidRequest), CodeInvalidRequest},
		{"unknown", errors.New("something else"), CodeAIUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}
