package modelpool

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/taxaudit-cli/internal/cost"
	"github.com/sells-group/taxaudit-cli/pkg/anthropic"
	"github.com/sells-group/taxaudit-cli/pkg/perplexity"
)

// Result is a completed inference call with its token accounting.
type Result struct {
	Text      string
	Model     string
	TokensIn  int64
	TokensOut int64
}

// Backend is one inference target. Implementations adapt provider
// clients to a common completion surface.
type Backend interface {
	Provider() string
	Model() string
	Complete(ctx context.Context, system, user string) (*Result, error)
}

const defaultMaxTokens = 4096

type anthropicBackend struct {
	client anthropic.Client
	model  string
}

// NewAnthropicBackend adapts an Anthropic client to the pool.
func NewAnthropicBackend(client anthropic.Client, model string) Backend {
	return &anthropicBackend{client: client, model: model}
}

func (b *anthropicBackend) Provider() string { return cost.ProviderAnthropic }
func (b *anthropicBackend) Model() string    { return b.model }

func (b *anthropicBackend) Complete(ctx context.Context, system, user string) (*Result, error) {
	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     b.model,
		MaxTokens: defaultMaxTokens,
		System:    system,
		Messages: []anthropic.Message{
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Text:      resp.Text(),
		Model:     resp.Model,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}, nil
}

type perplexityBackend struct {
	client perplexity.Client
	model  string
}

// NewPerplexityBackend adapts a Perplexity client to the pool.
func NewPerplexityBackend(client perplexity.Client, model string) Backend {
	return &perplexityBackend{client: client, model: model}
}

func (b *perplexityBackend) Provider() string { return cost.ProviderPerplexity }
func (b *perplexityBackend) Model() string    { return b.model }

func (b *perplexityBackend) Complete(ctx context.Context, system, user string) (*Result, error) {
	maxTokens := defaultMaxTokens
	resp, err := b.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: b.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Errorf("modelpool: perplexity returned no choices for model %s", b.model)
	}
	model := resp.Model
	if model == "" {
		model = b.model
	}
	return &Result{
		Text:      resp.Choices[0].Message.Content,
		Model:     model,
		TokensIn:  int64(resp.Usage.PromptTokens),
		TokensOut: int64(resp.Usage.CompletionTokens),
	}, nil
}
