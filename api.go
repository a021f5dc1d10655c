package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Endpoint paths relative to the configured base URL
const (
	pathRegister  = "/register"
	pathLogin     = "/login"
	pathMyUser    = "/users/me"
	pathStoryList = "/stories"
	pathNewStory  = "/stories"
)

// allStoriesKey is the single cache record holding the last story list
const allStoriesKey = "all_stories"

const (
	msgStoriesUnavailable = "failed to load stories; try another network or try again later"
	msgLoginFailed        = "login failed; please try again"
)

// TokenSource supplies the bearer token for authenticated requests. An empty
// string means no token is available.
type TokenSource interface {
	AccessToken() string
}

// TokenFunc adapts a plain function to a TokenSource
type TokenFunc func() string

// AccessToken calls f()
func (f TokenFunc) AccessToken() string { return f() }

// Client talks to the story API and serves the story list from the local
// store when the network is slow or unavailable.
type Client struct {
	cfg    Config
	http   *http.Client
	store  *Store
	tokens TokenSource

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the API at cfg.BaseURL
func NewClient(cfg Config, store *Store, tokens TokenSource, opts ...Option) *Client {
	if tokens == nil {
		tokens = TokenFunc(func() string { return "" })
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		store:  store,
		tokens: tokens,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) authorize(req *http.Request) {
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// cacheValid reports whether an entry written at timestamp is still within the TTL
func (c *Client) cacheValid(timestamp int64) bool {
	if timestamp == 0 {
		return false
	}
	age := c.now().Sub(time.UnixMilli(timestamp))
	return age < c.cfg.CacheTTL
}

// fetchState is a step of the story-list retrieval
type fetchState int

const (
	stateAttempting fetchState = iota
	stateWaiting
	stateSucceeded
	stateFallbackToCache
	stateFailed
)

func (s fetchState) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateWaiting:
		return "waiting"
	case stateSucceeded:
		return "succeeded"
	case stateFallbackToCache:
		return "fallback_to_cache"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GetAllStories returns the story list. Unless forceRefresh is set, a cache
// entry younger than the TTL is returned without touching the network.
// Otherwise the server is tried up to MaxRetries times with linear backoff,
// and if every attempt fails the cached entry is served regardless of age
// with IsStale set. OK is false only when neither source has data.
func (c *Client) GetAllStories(ctx context.Context, forceRefresh bool) StoryListResult {
	if !forceRefresh {
		var entry CacheEntry
		found, err := c.store.Get(ctx, CollectionStories, allStoriesKey, &entry)
		if err != nil {
			slog.Warn("Failed to read story cache, fetching from server", "error", err)
		} else if found && c.cacheValid(entry.Timestamp) {
			slog.Debug("Serving stories from cache", "stories", len(entry.ListStory), "timestamp", entry.Timestamp)
			return StoryListResult{
				Result:    Result{OK: true},
				StoryList: entry.StoryList,
				FromCache: true,
				Timestamp: entry.Timestamp,
			}
		}
	}

	// the sequence orders cache writes from overlapping calls, so the call
	// that started last keeps its result
	seq, err := c.store.NextSeq(ctx)
	if err != nil {
		slog.Warn("Failed to allocate cache write sequence", "error", err)
	}

	var (
		state   = stateAttempting
		attempt = 1
		fresh   CacheEntry
		status  int
		lastErr error
	)

	for {
		switch state {
		case stateAttempting:
			slog.Debug("Fetching stories from server", "attempt", attempt, "maxRetries", c.cfg.MaxRetries)
			entry, code, err := c.fetchStories(ctx, seq)
			if err == nil {
				fresh, status = entry, code
				state = stateSucceeded
				continue
			}
			lastErr = err
			slog.Warn("Story fetch attempt failed", "attempt", attempt, "error", err)
			if attempt >= c.cfg.MaxRetries {
				state = stateFallbackToCache
			} else {
				state = stateWaiting
			}

		case stateWaiting:
			delay := c.cfg.RetryBaseDelay * time.Duration(attempt)
			slog.Debug("Waiting before retry", "delay", delay, "nextAttempt", attempt+1)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				state = stateFallbackToCache
				continue
			}
			attempt++
			state = stateAttempting

		case stateSucceeded:
			return StoryListResult{
				Result:    Result{OK: true, Status: status},
				StoryList: fresh.StoryList,
				Timestamp: fresh.Timestamp,
			}

		case stateFallbackToCache:
			slog.Error("Error fetching stories", "attempts", attempt, "error", lastErr)
			var entry CacheEntry
			found, err := c.store.Get(context.WithoutCancel(ctx), CollectionStories, allStoriesKey, &entry)
			if err != nil {
				slog.Warn("Failed to read stale story cache", "error", err)
			}
			if found {
				slog.Info("Serving stale stories from cache", "stories", len(entry.ListStory), "timestamp", entry.Timestamp)
				return StoryListResult{
					Result:    Result{OK: true, Err: lastErr},
					StoryList: entry.StoryList,
					FromCache: true,
					IsStale:   true,
					Timestamp: entry.Timestamp,
				}
			}
			state = stateFailed

		case stateFailed:
			return StoryListResult{
				Result: Result{OK: false, ErrMessage: msgStoriesUnavailable, Err: lastErr},
			}
		}
	}
}

// fetchStories performs one attempt against GET /stories and caches the result.
// A failed cache write fails the attempt. A seq of zero writes unconditionally.
func (c *Client) fetchStories(ctx context.Context, seq int64) (CacheEntry, int, error) {
	req, err := newJSONRequest(http.MethodGet, c.endpoint(pathStoryList), nil)
	if err != nil {
		return CacheEntry{}, 0, err
	}
	c.authorize(req)

	res, err := requestWithTimeout(ctx, c.http, req, c.cfg.RequestTimeout)
	if err != nil {
		return CacheEntry{}, 0, err
	}
	if !res.ok() {
		return CacheEntry{}, 0, httpStatusError(res)
	}

	var list StoryList
	if err := json.Unmarshal(res.Body, &list); err != nil {
		return CacheEntry{}, 0, &NetworkError{Err: fmt.Errorf("failed to decode JSON: %w", err)}
	}

	entry := CacheEntry{
		ID:        allStoriesKey,
		StoryList: list,
		Timestamp: c.now().UnixMilli(),
	}

	if seq == 0 {
		if err := c.store.Put(ctx, CollectionStories, entry); err != nil {
			return CacheEntry{}, 0, err
		}
		return entry, res.StatusCode, nil
	}

	applied, err := c.store.PutIfNewer(ctx, CollectionStories, entry, seq)
	if err != nil {
		return CacheEntry{}, 0, err
	}
	if !applied {
		slog.Debug("Skipped cache write from an older refresh", "seq", seq)
	}

	return entry, res.StatusCode, nil
}

// Login authenticates with email and password. It makes a single attempt and
// never returns an error value; failures set OK=false and ErrMessage.
func (c *Client) Login(ctx context.Context, email, password string) LoginResult {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return LoginResult{Result: failure(err, msgLoginFailed)}
	}

	req, err := newJSONRequest(http.MethodPost, c.endpoint(pathLogin), bytes.NewReader(payload))
	if err != nil {
		return LoginResult{Result: failure(err, msgLoginFailed)}
	}

	res, err := requestWithTimeout(ctx, c.http, req, c.cfg.RequestTimeout)
	if err != nil {
		slog.Error("Login error", "error", err)
		return LoginResult{Result: failure(err, msgLoginFailed)}
	}
	if !res.ok() {
		authErr := &AuthError{StatusCode: res.StatusCode}
		slog.Error("Login error", "error", authErr, "detail", summarizeErrorBody(res.ContentType, res.Body))
		result := LoginResult{Result: failure(authErr, msgLoginFailed)}
		result.Status = res.StatusCode
		return result
	}

	var result LoginResult
	if err := json.Unmarshal(res.Body, &result); err != nil {
		return LoginResult{Result: failure(fmt.Errorf("failed to decode JSON: %w", err), msgLoginFailed)}
	}
	result.Result = Result{OK: true, Status: res.StatusCode}
	return result
}

// Register creates an account. The server's error flag and message are
// returned unmodified with OK derived from the HTTP status.
func (c *Client) Register(ctx context.Context, name, email, password string) RegisterResult {
	payload, err := json.Marshal(map[string]string{"name": name, "email": email, "password": password})
	if err != nil {
		return RegisterResult{Result: failure(err, "")}
	}

	req, err := newJSONRequest(http.MethodPost, c.endpoint(pathRegister), bytes.NewReader(payload))
	if err != nil {
		return RegisterResult{Result: failure(err, "")}
	}

	res, err := requestWithTimeout(ctx, c.http, req, 0)
	if err != nil {
		slog.Error("Register error", "error", err)
		return RegisterResult{Result: failure(err, "")}
	}

	var result RegisterResult
	if err := decodeEnvelope(res, &result); err != nil {
		return RegisterResult{Result: failure(err, "")}
	}
	result.Result = statusResult(res)
	return result
}

// EmailTaken reports whether the server rejected the registration because
// the email is already in use. It matches on the server message text.
func (r RegisterResult) EmailTaken() bool {
	return !r.OK && strings.Contains(strings.ToLower(r.Message), "email is already taken")
}

// Me returns the account that owns the current access token
func (c *Client) Me(ctx context.Context) UserResult {
	req, err := newJSONRequest(http.MethodGet, c.endpoint(pathMyUser), nil)
	if err != nil {
		return UserResult{Result: failure(err, "")}
	}
	c.authorize(req)

	res, err := requestWithTimeout(ctx, c.http, req, c.cfg.RequestTimeout)
	if err != nil {
		return UserResult{Result: failure(err, "")}
	}

	var result UserResult
	if err := decodeEnvelope(res, &result); err != nil {
		return UserResult{Result: failure(err, "")}
	}
	result.Result = statusResult(res)
	return result
}

// SubmitStory uploads a new story as a multipart form. Every photo is sent
// under the "photo" field; lat and lon are only sent when set.
func (c *Client) SubmitStory(ctx context.Context, story NewStory) SubmitResult {
	body, contentType, err := encodeStoryForm(story)
	if err != nil {
		return SubmitResult{Result: failure(err, "")}
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint(pathNewStory), bytes.NewReader(body))
	if err != nil {
		return SubmitResult{Result: failure(fmt.Errorf("failed to create request: %w", err), "")}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	res, err := requestWithTimeout(ctx, c.http, req, 0)
	if err != nil {
		slog.Error("Story upload error", "error", err)
		return SubmitResult{Result: failure(err, "")}
	}

	var result SubmitResult
	if err := decodeEnvelope(res, &result); err != nil {
		return SubmitResult{Result: failure(err, "")}
	}
	result.Result = statusResult(res)
	slog.Debug("Story submitted", "ok", result.OK, "status", res.StatusCode, "photos", len(story.Photos))
	return result
}

// encodeStoryForm builds the multipart body for a story upload
func encodeStoryForm(story NewStory) ([]byte, string, error) {
	if len(story.Photos) == 0 {
		return nil, "", errors.New("a story needs at least one photo")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("description", story.Description); err != nil {
		return nil, "", fmt.Errorf("failed to write description: %w", err)
	}
	if story.Lat != nil {
		if err := w.WriteField("lat", formatCoordinate(*story.Lat)); err != nil {
			return nil, "", fmt.Errorf("failed to write lat: %w", err)
		}
	}
	if story.Lon != nil {
		if err := w.WriteField("lon", formatCoordinate(*story.Lon)); err != nil {
			return nil, "", fmt.Errorf("failed to write lon: %w", err)
		}
	}

	for i, photo := range story.Photos {
		filename := photo.Filename
		if filename == "" {
			filename = fmt.Sprintf("photo-%d.jpg", i+1)
		}
		contentType := photo.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, filepath.Base(filename)))
		header.Set("Content-Type", contentType)

		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create photo part: %w", err)
		}
		if _, err := part.Write(photo.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write photo: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func formatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// decodeEnvelope decodes a JSON response body. Non-JSON error pages are
// tolerated so the status can still be reported.
func decodeEnvelope(res *rawResponse, dest any) error {
	if err := json.Unmarshal(res.Body, dest); err != nil {
		if res.ok() {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
		slog.Debug("Non-JSON error response", "status", res.StatusCode)
	}
	return nil
}

// statusResult derives the uniform result from the HTTP status
func statusResult(res *rawResponse) Result {
	if res.ok() {
		return Result{OK: true, Status: res.StatusCode}
	}
	err := httpStatusError(res)
	return Result{OK: false, Status: res.StatusCode, ErrMessage: err.Error(), Err: err}
}

// failure builds a failed result, using fallback when err has no message
func failure(err error, fallback string) Result {
	msg := fallback
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Result{OK: false, ErrMessage: msg, Err: err}
}
