package llms

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/protocol"
)

// Registry maps provider types to adapters and instruments each call with a
// span covering the full stream lifetime.
type Registry struct {
	providers map[config.ProviderType]Provider
	tracer    trace.Tracer
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		providers: map[config.ProviderType]Provider{
			config.ProviderOpenAI:          NewOpenAI(timeout),
			config.ProviderOpenAIResponses: NewResponses(timeout),
			config.ProviderAnthropic:       NewAnthropic(timeout),
			config.ProviderGoogle:          NewGoogle(timeout),
			config.ProviderMistral:         NewMistral(timeout),
			config.ProviderLocal:           NewLocal(timeout),
			config.ProviderIAssistant:      NewIAssistant(timeout),
			config.ProviderAzureImage:      NewAzureImage(timeout),
		},
		tracer: otel.Tracer("promptgate/llms"),
	}
}

// ForModel returns the adapter for a model's provider type.
func (r *Registry) ForModel(model *config.Model) (Provider, error) {
	provider, ok := r.providers[model.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q for model %s", model.Provider, model.ID)
	}
	return provider, nil
}

// Stream dispatches to the right adapter and relays its events through an
// instrumented channel. The span ends when the provider stream closes.
func (r *Registry) Stream(ctx context.Context, req *Request) (<-chan protocol.StreamEvent, error) {
	provider, err := r.ForModel(req.Model)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", req.Model.ModelID),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
		attribute.Bool("llm.continuation", req.Continuation),
	))

	upstream, err := provider.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	out := make(chan protocol.StreamEvent, streamBufferSize)
	go func() {
		defer close(out)
		defer span.End()
		for event := range upstream {
			switch event.Type {
			case protocol.EventFinish:
				span.SetAttributes(attribute.String("llm.finish_reason", string(event.FinishReason)))
				if event.Usage != nil {
					span.SetAttributes(
						attribute.Int("llm.usage.prompt_tokens", event.Usage.PromptTokens),
						attribute.Int("llm.usage.completion_tokens", event.Usage.CompletionTokens),
					)
				}
			case protocol.EventError:
				span.SetStatus(codes.Error, event.Err.Message)
			}
			out <- event
		}
	}()
	return out, nil
}
