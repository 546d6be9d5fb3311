package ingest

import (
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"go.od2.network/jobgate/pkg/types"
)

// MaxExcerptLength is the max number of characters kept of an item description.
const MaxExcerptLength = 300

var excerptPolicy = bluemonday.StrictPolicy()

// Excerpt strips all markup from an HTML fragment and truncates it.
func Excerpt(fragment string) string {
	text := html.UnescapeString(excerptPolicy.Sanitize(fragment))
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= MaxExcerptLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:MaxExcerptLength]))
}

// Normalize converts a parsed feed item into an item of the source.
// Returns nil if the item has no usable URL.
func Normalize(source *types.Source, entry *gofeed.Item, now time.Time) *types.Item {
	if entry == nil {
		return nil
	}
	link := strings.TrimSpace(entry.Link)
	if link == "" && isURL(entry.GUID) {
		link = entry.GUID
	}
	if !isURL(link) {
		return nil
	}
	published := now
	if entry.PublishedParsed != nil {
		published = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		published = *entry.UpdatedParsed
	}
	description := entry.Description
	if description == "" {
		description = entry.Content
	}
	title := strings.TrimSpace(html.UnescapeString(excerptPolicy.Sanitize(entry.Title)))
	if title == "" {
		title = link
	}
	return &types.Item{
		URL:         link,
		Title:       title,
		Excerpt:     Excerpt(description),
		ImageURL:    imageOf(entry),
		SourceID:    source.ID,
		Tags:        types.MergeTags(source.Tags, entry.Categories),
		PublishedAt: published.UTC(),
		CreatedAt:   now.UTC(),
	}
}

func imageOf(entry *gofeed.Item) *string {
	if entry.Image != nil && isURL(entry.Image.URL) {
		url := entry.Image.URL
		return &url
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && isURL(enc.URL) {
			url := enc.URL
			return &url
		}
	}
	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
