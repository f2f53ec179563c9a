package builtin

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stationhq/beacon/pkg/content"
	"github.com/stationhq/beacon/pkg/plugins"
)

const (
	rssPluginName    = "rss-source"
	defaultUserAgent = "beacon/1.0 (+https://github.com/stationhq/beacon)"
	maxFeedBytes     = 10 << 20
)

// RSSSource fetches an RSS 2.0 or Atom feed over HTTP.
type RSSSource struct {
	url       string
	userAgent string
	client    *http.Client
}

// NewRSSSource creates an unconfigured RSS source.
func NewRSSSource() plugins.Plugin {
	return &RSSSource{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Descriptor implements plugins.Plugin.
func (r *RSSSource) Descriptor() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        rssPluginName,
		Kind:        plugins.KindSource,
		Version:     "1.0.0",
		Description: "Fetches items from an RSS 2.0 or Atom feed",
		Author:      "beacon",
		ConfigSchema: map[string]string{
			"url":        "Feed URL (required)",
			"user_agent": "User-Agent header override",
		},
	}
}

// ValidateConfig implements plugins.ConfigValidator.
func (r *RSSSource) ValidateConfig(config map[string]any) error {
	url, _ := config["url"].(string)
	if url == "" {
		return fmt.Errorf("rss source requires a url")
	}
	return nil
}

// Initialize implements plugins.Plugin.
func (r *RSSSource) Initialize(config map[string]any) error {
	if err := r.ValidateConfig(config); err != nil {
		return err
	}
	r.url, _ = config["url"].(string)
	r.userAgent, _ = config["user_agent"].(string)
	if r.userAgent == "" {
		r.userAgent = defaultUserAgent
	}
	return nil
}

func (r *RSSSource) Start() error   { return nil }
func (r *RSSSource) Stop() error    { return nil }
func (r *RSSSource) Cleanup() error { return nil }

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	GUID        string   `xml:"guid"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Author      string   `xml:"author"`
	Creator     string   `xml:"creator"` // dc:creator
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Links   []atomLink `xml:"link"`
	Summary string     `xml:"summary"`
	Content string     `xml:"content"`
	Author  struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Updated   string `xml:"updated"`
	Published string `xml:"published"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// FetchContent implements plugins.SourcePlugin.
func (r *RSSSource) FetchContent(ctx context.Context) ([]content.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, err
	}
	return parseFeed(body)
}

func parseFeed(body []byte) ([]content.RawItem, error) {
	var rss rssFeed
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Channel.Items) > 0 {
		return rssToRaw(rss.Channel.Items), nil
	}

	var atom atomFeed
	if err := xml.Unmarshal(body, &atom); err == nil && len(atom.Entries) > 0 {
		return atomToRaw(atom.Entries), nil
	}

	return nil, fmt.Errorf("body is neither a parseable RSS channel nor an Atom feed")
}

func rssToRaw(items []rssItem) []content.RawItem {
	raws := make([]content.RawItem, 0, len(items))
	for _, item := range items {
		nativeID := item.GUID
		if nativeID == "" {
			nativeID = item.Link
		}
		author := item.Creator
		if author == "" {
			author = item.Author
		}
		raws = append(raws, content.RawItem{
			NativeID:  nativeID,
			Title:     item.Title,
			Body:      item.Description,
			Author:    author,
			URL:       item.Link,
			Published: parseFeedTime(item.PubDate),
			Tags:      item.Categories,
		})
	}
	return raws
}

func atomToRaw(entries []atomEntry) []content.RawItem {
	raws := make([]content.RawItem, 0, len(entries))
	for _, entry := range entries {
		url := ""
		for _, link := range entry.Links {
			if link.Rel == "" || link.Rel == "alternate" {
				url = link.Href
				break
			}
		}
		body := entry.Content
		if body == "" {
			body = entry.Summary
		}
		published := entry.Published
		if published == "" {
			published = entry.Updated
		}
		raws = append(raws, content.RawItem{
			NativeID:  entry.ID,
			Title:     entry.Title,
			Body:      body,
			Author:    entry.Author.Name,
			URL:       url,
			Published: parseFeedTime(published),
		})
	}
	return raws
}

// Feeds are sloppy about date formats; try the usual suspects and fall
// back to the zero time, which normalization replaces with the fetch time.
func parseFeedTime(value string) time.Time {
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2006-01-02T15:04:05Z",
	} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
