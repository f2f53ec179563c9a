package content

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Item is the normalized content unit shared by all sources.
//
// An Item is immutable once created; a re-fetch of the same underlying
// content produces a new Item with the same ID which supersedes the old one
// on save. ID is derived from the source name and the source-native ID (or a
// content hash when the source provides no native ID), so it is stable
// across fetch cycles.
type Item struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	SourceType string            `json:"source_type"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Author     string            `json:"author,omitempty"`
	Published  time.Time         `json:"published"`
	URL        string            `json:"url"`
	Tags       []string          `json:"tags"`
	MediaURLs  []string          `json:"media_urls"`
	Metadata   map[string]string `json:"metadata"`
}

// RawItem is what a source plugin hands back from a fetch, before
// normalization. Only URL is strictly required; everything else is filled
// with documented defaults by Normalize.
type RawItem struct {
	NativeID  string
	Title     string
	Body      string
	Author    string
	URL       string
	Published time.Time
	Tags      []string
	MediaURLs []string
	Metadata  map[string]string
}

// ShareableContent is the payload handed to a destination plugin, either
// directly or through a scheduled post.
type ShareableContent struct {
	Text         string   `json:"text"`
	URL          string   `json:"url,omitempty"`
	MediaURLs    []string `json:"media_urls,omitempty"`
	SourceItemID string   `json:"source_item_id,omitempty"`
}

// Fingerprint derives the stable identity key for an item from its source
// name and source-native ID.
func Fingerprint(source, nativeID string) string {
	h := sha256.Sum256([]byte(source + "\x00" + nativeID))
	return hex.EncodeToString(h[:])
}

// ContentFingerprint derives an identity key from the content itself, used
// when a source provides no native ID.
func ContentFingerprint(title, body, url string) string {
	h := sha256.Sum256([]byte(title + "\x00" + body + "\x00" + url))
	return hex.EncodeToString(h[:])
}
