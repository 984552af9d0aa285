package llm

import (
	"context"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// instrumentedClient records a span and request metrics around each call.
type instrumentedClient struct {
	underlying Client
	tracer     *observability.TracerProvider
	metrics    *observability.LLMMetrics
}

// NewInstrumentedClient wraps client with tracing and metrics. Either may be nil.
func NewInstrumentedClient(client Client, tracer *observability.TracerProvider, metrics *observability.LLMMetrics) Client {
	return &instrumentedClient{underlying: client, tracer: tracer, metrics: metrics}
}

func (c *instrumentedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.underlying.Model()
	}
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanLLM,
		attribute.String(observability.AttrModel, model),
		attribute.Int("crew.llm.tool_count", len(req.Tools)),
	)
	timer := startTimer()
	resp, err := c.underlying.Complete(ctx, req)
	status := "success"
	var in, out int
	if err != nil {
		status = "error"
	} else {
		in, out = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		span.SetAttributes(
			attribute.Int("crew.llm.prompt_tokens", in),
			attribute.Int("crew.llm.completion_tokens", out),
		)
	}
	c.metrics.RecordRequest(ctx, model, status, timer.elapsed(), in, out)
	observability.EndSpan(span, err)
	return resp, err
}

func (c *instrumentedClient) Model() string {
	return c.underlying.Model()
}
