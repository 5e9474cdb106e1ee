package llms

import (
	"context"
	"time"

	"github.com/promptgate/promptgate/pkg/httpclient"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// MistralProvider speaks Mistral's Chat-Completions-compatible API. The wire
// format matches OpenAI Chat closely enough to share the serializer; only
// endpoint and rate-limit headers differ.
type MistralProvider struct {
	client        *httpclient.Client
	noRetryClient *httpclient.Client
}

func NewMistral(timeout time.Duration) *MistralProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &MistralProvider{
		client: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
		),
		noRetryClient: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithRetryStrategy(httpclient.NoRetryStrategy),
		),
	}
}

func (p *MistralProvider) Name() string { return "mistral" }

func (p *MistralProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	key, err := requireKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}
	client := p.client
	if req.Continuation {
		client = p.noRetryClient
	}
	return openAIStyleStream(ctx, client, req, endpointURL(req.Model), map[string]string{
		"Authorization": "Bearer " + key,
		"Accept":        "text/event-stream",
	})
}
