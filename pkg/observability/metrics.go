package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the gateway's instrument set. A zero-value Metrics is a noop,
// so callers never need nil checks.
type Metrics struct {
	chatRequests    metric.Int64Counter
	chatDuration    metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter
	toolCalls       metric.Int64Counter
	toolErrors      metric.Int64Counter
	toolDuration    metric.Float64Histogram
}

// InitMetrics builds the instrument set backed by the Prometheus exporter.
// Scrape the result of Handler to collect.
func InitMetrics(ctx context.Context) (*Metrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter(serviceName)

	m := &Metrics{}

	m.chatRequests, err = meter.Int64Counter(
		"promptgate_chat_requests_total",
		metric.WithDescription("Total chat requests by app and model"),
	)
	if err != nil {
		return nil, err
	}
	m.chatDuration, err = meter.Float64Histogram(
		"promptgate_chat_duration_seconds",
		metric.WithDescription("End-to-end chat request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}
	m.llmInputTokens, err = meter.Int64Counter(
		"promptgate_llm_tokens_input_total",
		metric.WithDescription("Total prompt tokens sent to providers"),
	)
	if err != nil {
		return nil, err
	}
	m.llmOutputTokens, err = meter.Int64Counter(
		"promptgate_llm_tokens_output_total",
		metric.WithDescription("Total completion tokens received from providers"),
	)
	if err != nil {
		return nil, err
	}
	m.llmErrors, err = meter.Int64Counter(
		"promptgate_llm_errors_total",
		metric.WithDescription("Total provider errors"),
	)
	if err != nil {
		return nil, err
	}
	m.toolCalls, err = meter.Int64Counter(
		"promptgate_tool_calls_total",
		metric.WithDescription("Total tool executions"),
	)
	if err != nil {
		return nil, err
	}
	m.toolErrors, err = meter.Int64Counter(
		"promptgate_tool_errors_total",
		metric.WithDescription("Total tool execution failures"),
	)
	if err != nil {
		return nil, err
	}
	m.toolDuration, err = meter.Float64Histogram(
		"promptgate_tool_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordChat(ctx context.Context, appID, modelID string, duration time.Duration) {
	if m == nil || m.chatRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("app", appID),
		attribute.String("model", modelID),
	)
	m.chatRequests.Add(ctx, 1, attrs)
	m.chatDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordTokens(ctx context.Context, modelID string, input, output int) {
	if m == nil || m.llmInputTokens == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", modelID))
	m.llmInputTokens.Add(ctx, int64(input), attrs)
	m.llmOutputTokens.Add(ctx, int64(output), attrs)
}

func (m *Metrics) RecordLLMError(ctx context.Context, modelID string) {
	if m == nil || m.llmErrors == nil {
		return
	}
	m.llmErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("model", modelID)))
}

func (m *Metrics) RecordTool(ctx context.Context, toolID string, duration time.Duration, err error) {
	if m == nil || m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", toolID))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}
