package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEntry(timestamp int64, names ...string) CacheEntry {
	entry := CacheEntry{
		ID:        allStoriesKey,
		StoryList: StoryList{APIResponse: APIResponse{Message: "Stories fetched successfully"}},
		Timestamp: timestamp,
	}
	for i, name := range names {
		entry.ListStory = append(entry.ListStory, Story{
			ID:          "story-" + string(rune('a'+i)),
			Name:        name,
			Description: "Story by " + name,
			PhotoURL:    "https://example.com/" + name + ".jpg",
		})
	}
	return entry
}

func TestStore_PutThenGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, CollectionStories, testEntry(1000, "alice", "bob")))

	var got CacheEntry
	found, err := store.Get(ctx, CollectionStories, allStoriesKey, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testEntry(1000, "alice", "bob"), got)
}

func TestStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	var got CacheEntry
	found, err := store.Get(context.Background(), CollectionStories, "nope", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PutOverwrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, CollectionStories, testEntry(1000, "alice")))
	require.NoError(t, store.Put(ctx, CollectionStories, testEntry(2000, "carol")))

	var got CacheEntry
	found, err := store.Get(ctx, CollectionStories, allStoriesKey, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2000), got.Timestamp)
	require.Len(t, got.ListStory, 1)
	assert.Equal(t, "carol", got.ListStory[0].Name)

	db, err := store.open(ctx)
	require.NoError(t, err)
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM records WHERE collection = ?", CollectionStories).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first := OpenStore(path)
	require.NoError(t, first.Put(ctx, CollectionStories, testEntry(1000, "alice")))
	require.NoError(t, first.Close())

	second := OpenStore(path)
	defer func() { _ = second.Close() }()

	var got CacheEntry
	found, err := second.Get(ctx, CollectionStories, allStoriesKey, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", got.ListStory[0].Name)

	db, err := second.open(ctx)
	require.NoError(t, err)
	var collections int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM collections").Scan(&collections))
	assert.Equal(t, len(collectionKeys), collections)
}

func TestStore_UsesCollectionKeyField(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, CollectionAuth, Session{Key: sessionKey, Name: "Alice", Token: "tok"}))

	var got Session
	found, err := store.Get(ctx, CollectionAuth, sessionKey, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok", got.Token)

	require.NoError(t, store.Delete(ctx, CollectionAuth, sessionKey))
	found, err = store.Get(ctx, CollectionAuth, sessionKey, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PutErrors(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	testCases := []struct {
		name       string
		collection string
		record     any
	}{
		{"unknown collection", "photos", map[string]string{"id": "x"}},
		{"missing key", CollectionStories, map[string]string{"name": "x"}},
		{"empty key", CollectionStories, CacheEntry{}},
		{"not an object", CollectionStories, []string{"a"}},
		{"wrong key field", CollectionAuth, CacheEntry{ID: "x"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Put(ctx, tc.collection, tc.record)
			var storageErr *StorageError
			require.True(t, errors.As(err, &storageErr), "expected StorageError, got %v", err)
			assert.Equal(t, "put", storageErr.Op)
		})
	}
}

func TestStore_OpenFailure(t *testing.T) {
	// a directory cannot be opened as a database file
	store := OpenStore(t.TempDir())
	defer func() { _ = store.Close() }()

	var got CacheEntry
	_, err := store.Get(context.Background(), CollectionStories, allStoriesKey, &got)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr), "expected StorageError, got %v", err)
}

func TestStore_PutIfNewer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	applied, err := store.PutIfNewer(ctx, CollectionStories, testEntry(1000, "newer"), 10)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.PutIfNewer(ctx, CollectionStories, testEntry(2000, "older"), 5)
	require.NoError(t, err)
	assert.False(t, applied, "a write from an older sequence must be ignored")

	var got CacheEntry
	_, err = store.Get(ctx, CollectionStories, allStoriesKey, &got)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.ListStory[0].Name)

	applied, err = store.PutIfNewer(ctx, CollectionStories, testEntry(3000, "latest"), 11)
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = store.Get(ctx, CollectionStories, allStoriesKey, &got)
	require.NoError(t, err)
	assert.Equal(t, "latest", got.ListStory[0].Name)
}

func TestStore_NextSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seq.db")
	ctx := context.Background()

	store := OpenStore(path)
	first, err := store.NextSeq(ctx)
	require.NoError(t, err)
	second, err := store.NextSeq(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	// a record written with a larger sequence raises the counter past it
	_, err = store.PutIfNewer(ctx, CollectionStories, testEntry(1000, "alice"), second+1000)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := OpenStore(path)
	defer func() { _ = reopened.Close() }()

	next, err := reopened.NextSeq(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, second+1000)

	applied, err := reopened.PutIfNewer(ctx, CollectionStories, testEntry(2000, "bob"), next)
	require.NoError(t, err)
	assert.True(t, applied)
}
