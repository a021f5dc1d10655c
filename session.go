package main

import (
	"context"
	"log/slog"
)

// sessionKey is the auth record holding the logged-in user
const sessionKey = "session"

// storeTokens reads the access token from the auth collection
type storeTokens struct {
	store *Store
}

// AccessToken returns the stored token, or "" when logged out or unreadable
func (t storeTokens) AccessToken() string {
	session, found, err := loadSession(context.Background(), t.store)
	if err != nil {
		slog.Warn("Failed to read session", "error", err)
		return ""
	}
	if !found {
		return ""
	}
	return session.Token
}

// saveSession persists the login result as the current session
func saveSession(ctx context.Context, store *Store, info LoginInfo) error {
	return store.Put(ctx, CollectionAuth, Session{
		Key:    sessionKey,
		UserID: info.UserID,
		Name:   info.Name,
		Token:  info.Token,
	})
}

// loadSession returns the current session if one is stored
func loadSession(ctx context.Context, store *Store) (Session, bool, error) {
	var session Session
	found, err := store.Get(ctx, CollectionAuth, sessionKey, &session)
	return session, found, err
}

// clearSession removes the current session
func clearSession(ctx context.Context, store *Store) error {
	return store.Delete(ctx, CollectionAuth, sessionKey)
}
