package llms

import (
	"context"
	"time"

	"github.com/promptgate/promptgate/pkg/httpclient"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// LocalProvider drives self-hosted OpenAI-compatible servers (vLLM, Ollama's
// OpenAI endpoint, llama.cpp server). A key is optional: most local
// deployments run without one.
type LocalProvider struct {
	client        *httpclient.Client
	noRetryClient *httpclient.Client
}

func NewLocal(timeout time.Duration) *LocalProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &LocalProvider{
		client: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
		),
		noRetryClient: httpclient.New(
			httpclient.WithHTTPClient(newHTTPClient(timeout)),
			httpclient.WithRetryStrategy(httpclient.NoRetryStrategy),
		),
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	headers := map[string]string{"Accept": "text/event-stream"}
	key, err := ResolveAPIKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}

	client := p.client
	if req.Continuation {
		client = p.noRetryClient
	}
	return openAIStyleStream(ctx, client, req, endpointURL(req.Model), headers)
}
