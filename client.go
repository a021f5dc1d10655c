package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxResponseSize caps how much of a response body is read
const maxResponseSize = 10 * 1024 * 1024

// rawResponse is a fully read HTTP response
type rawResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// ok reports whether the status is 2xx
func (r *rawResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// requestWithTimeout performs req and reads the response body, failing with
// *TimeoutError if no complete response arrives within timeout. A timeout of
// zero or less disables the deadline.
func requestWithTimeout(ctx context.Context, client *http.Client, req *http.Request, timeout time.Duration) (*rawResponse, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	req = req.WithContext(ctx)

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(parent, ctx, err, timeout)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(parent, ctx, err, timeout)
	}

	slog.Debug("HTTP request finished",
		"method", req.Method,
		"url", req.URL.String(),
		"status", res.StatusCode,
		"elapsed", time.Since(start))

	return &rawResponse{
		StatusCode:  res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// classifyTransportError separates our own deadline firing from every other
// transport failure, including cancellation of the caller's context
func classifyTransportError(parent, ctx context.Context, err error, timeout time.Duration) error {
	if timeout > 0 && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	return &NetworkError{Err: err}
}

// httpStatusError builds an *HTTPStatusError with a readable summary of the body
func httpStatusError(res *rawResponse) error {
	return &HTTPStatusError{
		StatusCode: res.StatusCode,
		Detail:     summarizeErrorBody(res.ContentType, res.Body),
	}
}

// newJSONRequest builds a request with a JSON body
func newJSONRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
