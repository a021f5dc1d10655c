package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// maxErrorDetail limits how much of an error body ends up in a message
const maxErrorDetail = 200

// extractText returns the visible text of an HTML fragment with whitespace
// collapsed. Plain text passes through unchanged apart from whitespace.
func extractText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}

	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}

	var sb strings.Builder
	collectText(doc, &sb)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// collectText recursively appends text nodes, skipping script and style content
func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}

	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
	}

	// Block elements separate words
	if n.Type == html.ElementNode && (n.Data == "br" || n.Data == "p" || n.Data == "div") {
		sb.WriteByte(' ')
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// summarizeErrorBody turns an error response body into a short readable message.
// JSON bodies yield their message field, HTML pages their title or heading.
func summarizeErrorBody(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	contentType = strings.ToLower(contentType)

	if strings.Contains(contentType, "json") || trimmed[0] == '{' {
		var envelope APIResponse
		if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Message != "" {
			return truncateString(envelope.Message, maxErrorDetail)
		}
	}

	if strings.Contains(contentType, "text/html") || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
		if err == nil {
			if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
				return truncateString(title, maxErrorDetail)
			}
			if heading := strings.TrimSpace(doc.Find("h1").First().Text()); heading != "" {
				return truncateString(heading, maxErrorDetail)
			}
			text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
			return truncateString(text, maxErrorDetail)
		}
	}

	return truncateString(strings.Join(strings.Fields(string(trimmed)), " "), maxErrorDetail)
}

// truncateString truncates a string to at most maxLen bytes without
// splitting a UTF-8 sequence
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
