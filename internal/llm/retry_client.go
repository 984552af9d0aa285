package llm

import (
	"context"

	crewerrors "github.com/richlaw1986/content-gap-crew-sub000/internal/errors"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
)

// retryClient retries transient completion failures with backoff.
type retryClient struct {
	underlying  Client
	retryConfig crewerrors.RetryConfig
	logger      logging.Logger
}

// NewRetryClient wraps client so transient failures are retried per cfg.
func NewRetryClient(client Client, cfg crewerrors.RetryConfig) Client {
	return &retryClient{
		underlying:  client,
		retryConfig: cfg,
		logger:      logging.NewComponentLogger("llm.retry"),
	}
}

func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	timer := startTimer()
	resp, err := crewerrors.RetryWithResult(ctx, c.retryConfig, func(ctx context.Context) (*CompletionResponse, error) {
		return c.underlying.Complete(ctx, req)
	}, c.logger)
	if err != nil {
		c.logger.Warn("LLM request failed after retries (took %v): %v", timer.elapsed(), err)
		return nil, err
	}
	return resp, nil
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}
