package content

import (
	"fmt"
	"strings"
	"time"
)

// UntitledPlaceholder is substituted when a raw item arrives without a title.
const UntitledPlaceholder = "(untitled)"

// Normalize converts a raw fetch result into an Item.
//
// Defaults for absent fields: a missing title becomes UntitledPlaceholder, a
// zero published time becomes now, and nil tag/media/metadata collections
// become empty ones. A missing URL is the one condition that fails the item,
// because the source URL must be preserved verbatim on every record. Callers
// skip the failing item and continue with the rest of the batch.
func Normalize(source, sourceType string, raw RawItem, now time.Time) (*Item, error) {
	url := strings.TrimSpace(raw.URL)
	if url == "" {
		return nil, fmt.Errorf("raw item from %s has no URL", source)
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = UntitledPlaceholder
	}

	published := raw.Published
	if published.IsZero() {
		published = now
	}

	id := ""
	if raw.NativeID != "" {
		id = Fingerprint(source, raw.NativeID)
	} else {
		id = ContentFingerprint(title, raw.Body, url)
	}

	tags := raw.Tags
	if tags == nil {
		tags = []string{}
	}
	media := raw.MediaURLs
	if media == nil {
		media = []string{}
	}
	meta := raw.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	return &Item{
		ID:         id,
		Source:     source,
		SourceType: sourceType,
		Title:      title,
		Body:       raw.Body,
		Author:     raw.Author,
		Published:  published,
		URL:        url,
		Tags:       tags,
		MediaURLs:  media,
		Metadata:   meta,
	}, nil
}
