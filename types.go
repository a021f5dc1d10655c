package main

import "time"

// Story is a single shared story as returned by the story API
type Story struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PhotoURL    string    `json:"photoUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
}

// HasLocation reports whether the story carries both coordinates
func (s Story) HasLocation() bool {
	return s.Lat != nil && s.Lon != nil
}

// APIResponse is the envelope every endpoint of the story API returns
type APIResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// StoryList represents the response structure of GET /stories
type StoryList struct {
	APIResponse
	ListStory []Story `json:"listStory"`
}

// CacheEntry is the persisted snapshot of the last successful story list
type CacheEntry struct {
	ID string `json:"id"`
	StoryList
	Timestamp int64 `json:"timestamp"` // epoch milliseconds
}

// Result carries the client-side outcome shared by every API operation.
// OK is derived from the HTTP status (2xx) and from transport success.
type Result struct {
	OK         bool   `json:"-"`
	Status     int    `json:"-"`
	ErrMessage string `json:"-"`
	Err        error  `json:"-"`
}

// StoryListResult is the outcome of a story-list fetch
type StoryListResult struct {
	Result
	StoryList
	FromCache bool
	IsStale   bool
	Timestamp int64 // epoch milliseconds when the payload was produced or cached
}

// LoginInfo is the loginResult object returned by POST /login
type LoginInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// LoginResult is the outcome of a login attempt
type LoginResult struct {
	Result
	APIResponse
	LoginResult LoginInfo `json:"loginResult"`
}

// RegisterResult is the outcome of a registration attempt
type RegisterResult struct {
	Result
	APIResponse
}

// User is the account returned by GET /users/me
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UserResult is the outcome of a current-user lookup
type UserResult struct {
	Result
	APIResponse
	User User `json:"user"`
}

// SubmitResult is the outcome of a story upload
type SubmitResult struct {
	Result
	APIResponse
}

// Photo is a single image attached to a new story
type Photo struct {
	Filename    string
	ContentType string
	Data        []byte
}

// NewStory is the payload of a story upload. Lat and Lon are omitted from
// the request when nil.
type NewStory struct {
	Description string
	Photos      []Photo
	Lat         *float64
	Lon         *float64
}

// Session is the authenticated user persisted in the auth collection
type Session struct {
	Key    string `json:"key"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}
