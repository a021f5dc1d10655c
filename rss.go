package main

import (
	"fmt"
	"html"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/feeds"
)

// feedFilename is the file written by writeFeed
const feedFilename = "stories.xml"

// maxFeedTitle limits entry titles derived from descriptions
const maxFeedTitle = 80

// FeedMeta describes the feed as a whole
type FeedMeta struct {
	Title   string
	Link    string
	Updated time.Time
}

// generateStoryFeed creates an Atom feed with one entry per story
func generateStoryFeed(stories []Story, meta FeedMeta) (string, error) {
	slog.Debug("Generating story feed", "itemCount", len(stories))

	feed := &feeds.Feed{
		Title:       meta.Title,
		Description: "Latest shared stories",
		Link:        &feeds.Link{Href: meta.Link, Rel: "self", Type: "text/html"},
		Id:          meta.Link,
		Created:     meta.Updated,
		Updated:     meta.Updated,
	}

	for _, story := range stories {
		text := extractText(story.Description)

		title := truncateString(text, maxFeedTitle)
		if title == "" {
			title = fmt.Sprintf("Story by %s", story.Name)
		}

		description := fmt.Sprintf(`<div>
			<p>%s</p>
			<p><strong>Location:</strong> %s</p>
			%s
		</div>`,
			html.EscapeString(text),
			html.EscapeString(describeLocation(story)),
			func() string {
				if story.PhotoURL != "" {
					return fmt.Sprintf(`<img src="%s" alt="Story photo" loading="lazy">`, html.EscapeString(story.PhotoURL))
				}
				return ""
			}())

		item := &feeds.Item{
			Title:       title,
			Link:        &feeds.Link{Href: meta.Link, Rel: "alternate"},
			Id:          story.ID,
			Author:      &feeds.Author{Name: story.Name},
			Description: description,
			Created:     story.CreatedAt,
		}
		if story.PhotoURL != "" {
			item.Link = &feeds.Link{Href: story.PhotoURL, Rel: "alternate"}
			item.Enclosure = &feeds.Enclosure{
				Url:    story.PhotoURL,
				Length: "0",
				Type:   photoContentType(story.PhotoURL),
			}
		}

		feed.Items = append(feed.Items, item)
	}

	atom, err := feed.ToAtom()
	if err != nil {
		return "", fmt.Errorf("failed to generate feed: %w", err)
	}

	slog.Debug("Story feed generated successfully", "feedSize", len(atom))
	return atom, nil
}

// photoContentType guesses an image MIME type from the URL extension
func photoContentType(photoURL string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(photoURL, "?", 2)[0]))
	if t := mime.TypeByExtension(ext); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

// writeFeed saves the feed as stories.xml in outDir and returns the file path
func writeFeed(outDir, atom string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	filename := filepath.Join(outDir, feedFilename)
	if err := os.WriteFile(filename, []byte(atom), 0o644); err != nil {
		return "", fmt.Errorf("failed to write feed: %w", err)
	}
	return filename, nil
}
