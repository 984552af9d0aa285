// Package httpclient builds outbound HTTP clients and bounded body readers.
package httpclient

import (
	"net/http"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
)

// DefaultTimeout applies when New is given a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// New returns an http.Client with its own transport. Requests are logged at
// debug level without headers.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	var transport http.RoundTripper = &http.Transport{Proxy: http.ProxyFromEnvironment}
	if ok {
		transport = base.Clone()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &loggingTransport{base: transport, logger: logging.OrNop(logger)},
	}
}

type loggingTransport struct {
	base   http.RoundTripper
	logger logging.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("%s %s failed after %v: %v", req.Method, req.URL.Redacted(), time.Since(started), err)
		return nil, err
	}
	t.logger.Debug("%s %s -> %d in %v", req.Method, req.URL.Redacted(), resp.StatusCode, time.Since(started))
	return resp, nil
}
