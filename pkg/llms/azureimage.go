package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/promptgate/promptgate/pkg/httpclient"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// Azure image generation is not a stream at all: one JSON body arrives.
// The adapter models it as a degenerate stream producing exactly one image
// event and a synthetic finish, so the pipeline upstream stays uniform.
//
// Azure authenticates with an "api-key" header, not a bearer token.

type azureImageRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type azureImageResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

type AzureImageProvider struct {
	client *httpclient.Client
}

func NewAzureImage(timeout time.Duration) *AzureImageProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &AzureImageProvider{
		client: httpclient.New(httpclient.WithHTTPClient(newHTTPClient(timeout))),
	}
}

func (p *AzureImageProvider) Name() string { return "azure-image" }

func (p *AzureImageProvider) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	key, err := requireKey(req.Model, req.PlatformSecret)
	if err != nil {
		return nil, err
	}

	prompt := lastUserPrompt(req.Messages)
	if prompt == "" {
		return nil, fmt.Errorf("image generation needs a user prompt")
	}

	payload := azureImageRequest{
		Prompt:         prompt,
		N:              1,
		ResponseFormat: "b64_json",
	}

	resp, perr, err := postJSON(ctx, p.client, endpointURL(req.Model), map[string]string{
		"api-key": key,
	}, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.StreamEvent, 4)
	if perr != nil {
		ch <- errorEvent(perr)
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			if ctx.Err() == nil {
				ch <- errorEvent(&protocol.ProviderError{
					Kind:    protocol.ErrUnavailable,
					Message: fmt.Sprintf("failed to read image response: %v", err),
				})
			}
			return
		}

		var parsed azureImageResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			ch <- errorEvent(&protocol.ProviderError{
				Kind:    protocol.ErrUnknown,
				Message: fmt.Sprintf("malformed image response: %v", err),
			})
			return
		}
		if len(parsed.Data) == 0 {
			ch <- errorEvent(&protocol.ProviderError{
				Kind:    protocol.ErrUnknown,
				Message: "image response contained no data",
			})
			return
		}

		for _, img := range parsed.Data {
			ch <- protocol.StreamEvent{Type: protocol.EventImage, Image: &protocol.ImageData{
				MimeType: "image/png",
				B64:      img.B64JSON,
			}}
		}
		ch <- finishEvent(protocol.FinishStop, nil)
	}()
	return ch, nil
}

func lastUserPrompt(messages []*protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}
