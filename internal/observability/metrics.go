package observability

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// LLMMetrics records model invocation metrics through the OpenTelemetry meter
// API, exported to Prometheus.
type LLMMetrics struct {
	provider *sdkmetric.MeterProvider

	requests     metric.Int64Counter
	latency      metric.Float64Histogram
	tokensInput  metric.Int64Counter
	tokensOutput metric.Int64Counter
	toolCalls    metric.Int64Counter
}

// NewLLMMetrics builds an otel meter provider whose readings are exported
// through reg. A disabled config yields a collector that records nothing.
func NewLLMMetrics(config MetricsConfig, reg promclient.Registerer) (*LLMMetrics, error) {
	if !config.Enabled {
		return &LLMMetrics{}, nil
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(tracerName)

	m := &LLMMetrics{provider: provider}
	if m.requests, err = meter.Int64Counter(
		"crewd.llm.requests",
		metric.WithDescription("Total number of model requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm requests counter: %w", err)
	}
	if m.latency, err = meter.Float64Histogram(
		"crewd.llm.latency",
		metric.WithDescription("Model request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm latency histogram: %w", err)
	}
	if m.tokensInput, err = meter.Int64Counter(
		"crewd.llm.tokens.input",
		metric.WithDescription("Prompt tokens sent to the model"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create input token counter: %w", err)
	}
	if m.tokensOutput, err = meter.Int64Counter(
		"crewd.llm.tokens.output",
		metric.WithDescription("Completion tokens returned by the model"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create output token counter: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"crewd.tool.calls",
		metric.WithDescription("Capability invocations requested by the model"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool call counter: %w", err)
	}
	return m, nil
}

// RecordRequest records one model request.
func (m *LLMMetrics) RecordRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.requests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, latency.Seconds(), attrs)
	modelAttr := metric.WithAttributes(attribute.String("model", model))
	if inputTokens > 0 {
		m.tokensInput.Add(ctx, int64(inputTokens), modelAttr)
	}
	if outputTokens > 0 {
		m.tokensOutput.Add(ctx, int64(outputTokens), modelAttr)
	}
}

// RecordToolCall records one capability invocation.
func (m *LLMMetrics) RecordToolCall(ctx context.Context, tool, status string) {
	if m == nil || m.toolCalls == nil {
		return
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// Shutdown flushes the meter provider.
func (m *LLMMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
