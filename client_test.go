package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestHTTPClient(t *testing.T) *http.Client {
	t.Helper()
	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{Transport: transport}
}

func TestRequestWithTimeout_Success(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":false,"message":"ok"}`))
	}))
	defer server.Close()

	client := newTestHTTPClient(t)
	req, err := newJSONRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	res, err := requestWithTimeout(context.Background(), client, req, time.Second)
	require.NoError(t, err)
	assert.True(t, res.ok())
	assert.Equal(t, "application/json", res.ContentType)
	assert.JSONEq(t, `{"error":false,"message":"ok"}`, string(res.Body))

	client.CloseIdleConnections()
}

func TestRequestWithTimeout_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	client := newTestHTTPClient(t)
	req, err := newJSONRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = requestWithTimeout(context.Background(), client, req, 50*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr), "expected TimeoutError, got %v", err)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.Less(t, elapsed, 2*time.Second)

	client.CloseIdleConnections()
}

func TestRequestWithTimeout_NetworkErrorIsDistinct(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := newTestHTTPClient(t)
	req, err := newJSONRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	_, err = requestWithTimeout(context.Background(), client, req, time.Second)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr), "expected NetworkError, got %v", err)
	var timeoutErr *TimeoutError
	assert.False(t, errors.As(err, &timeoutErr))
	assert.NotEqual(t, (&TimeoutError{}).Error(), err.Error())
}

func TestRequestWithTimeout_ParentCancelIsNotTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	client := newTestHTTPClient(t)
	req, err := newJSONRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = requestWithTimeout(ctx, client, req, 5*time.Second)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr), "expected NetworkError, got %v", err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestWithTimeout_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html><head><title>502 Bad Gateway</title></head><body></body></html>"))
	}))
	defer server.Close()

	req, err := newJSONRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	res, err := requestWithTimeout(context.Background(), newTestHTTPClient(t), req, time.Second)
	require.NoError(t, err)
	assert.False(t, res.ok())

	statusErr := httpStatusError(res)
	assert.EqualError(t, statusErr, "HTTP error 502: 502 Bad Gateway")
}
