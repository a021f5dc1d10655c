package main

import (
	"fmt"
	"time"
)

// calculatePostAge returns a human-readable time difference from createdAt to now
func calculatePostAge(createdAt, now time.Time) string {
	diff := now.Sub(createdAt)

	switch {
	case diff < time.Hour:
		minutes := int(diff.Minutes())
		if minutes < 1 {
			return "just now"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		return fmt.Sprintf("%d days ago", days)
	default:
		weeks := int(diff.Hours() / (24 * 7))
		return fmt.Sprintf("%d weeks ago", weeks)
	}
}

// describeLocation returns the coordinates of a story or "No location"
func describeLocation(story Story) string {
	if !story.HasLocation() {
		return "No location"
	}
	return Coordinates{Lat: *story.Lat, Lon: *story.Lon}.String()
}

// describeFreshness labels where a story list came from
func describeFreshness(result StoryListResult, now time.Time) string {
	fetched := time.UnixMilli(result.Timestamp)
	switch {
	case result.IsStale:
		return fmt.Sprintf("offline copy from %s", calculatePostAge(fetched, now))
	case result.FromCache:
		return fmt.Sprintf("cached %s", calculatePostAge(fetched, now))
	default:
		return "live"
	}
}
