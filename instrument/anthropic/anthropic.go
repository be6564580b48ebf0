// Package anthropic records Anthropic Messages API calls as session activity.
package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentbay/instrument"
)

// Provider is the value of the llm.provider span attribute.
const Provider = "anthropic"

// Messages is the subset of anthropic.MessageService that Client decorates.
type Messages interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

var _ Messages = (*anthropic.MessageService)(nil)

// Options configures Client.
type Options struct {
	instrument.Options
	APIKey string
	// Messages is the wrapped service. Defaults to a new client's Messages.
	Messages Messages
}

// Client decorates message creation with session tracking.
type Client struct {
	messages Messages
	inst     *instrument.Instrumenter
}

// New creates a Client that records every message call on rec.
func New(rec instrument.Recorder, optFns ...func(o *Options)) *Client {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Messages == nil {
		var clientOpts []option.RequestOption
		if opts.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
		}
		client := anthropic.NewClient(clientOpts...)
		opts.Messages = &client.Messages
	}

	return &Client{
		messages: opts.Messages,
		inst:     instrument.New(rec, instrument.Merge(opts.Options)),
	}
}

// New creates a message. The session is taken from ctx.
func (c *Client) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	var msg *anthropic.Message
	err := c.inst.Track(ctx, instrument.Call{Provider: Provider, Model: string(params.Model)}, func(ctx context.Context) (instrument.Usage, error) {
		var err error
		msg, err = c.messages.New(ctx, params, opts...)
		if err != nil {
			return instrument.Usage{}, err
		}
		return instrument.Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
		}, nil
	})
	return msg, err
}
