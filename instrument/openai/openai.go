// Package openai records OpenAI chat completions as session activity.
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentbay/instrument"
)

// Provider is the value of the llm.provider span attribute.
const Provider = "openai"

// ChatCompletions is the subset of openai.ChatCompletionService that Chat
// decorates.
type ChatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

var _ ChatCompletions = (*openai.ChatCompletionService)(nil)

// Options configures Chat.
type Options struct {
	instrument.Options
	// APIKey is used when Completions is nil and a client is created.
	APIKey string
	// Completions is the wrapped service. Defaults to a new client's
	// Chat.Completions.
	Completions ChatCompletions
}

// Chat decorates chat completions with session tracking.
type Chat struct {
	completions ChatCompletions
	inst        *instrument.Instrumenter
}

// New creates a Chat that records every completion on rec.
func New(rec instrument.Recorder, optFns ...func(o *Options)) *Chat {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Completions == nil {
		var clientOpts []option.RequestOption
		if opts.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
		}
		client := openai.NewClient(clientOpts...)
		opts.Completions = &client.Chat.Completions
	}

	return &Chat{
		completions: opts.Completions,
		inst:        instrument.New(rec, instrument.Merge(opts.Options)),
	}
}

// New sends a chat completion request. The session is taken from ctx, see
// instrument.WithSession.
func (c *Chat) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	var resp *openai.ChatCompletion
	err := c.inst.Track(ctx, instrument.Call{Provider: Provider, Model: string(params.Model)}, func(ctx context.Context) (instrument.Usage, error) {
		var err error
		resp, err = c.completions.New(ctx, params, opts...)
		if err != nil {
			return instrument.Usage{}, err
		}
		return instrument.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}, nil
	})
	return resp, err
}
