package plugins

import (
	"context"
	"time"

	"github.com/stationhq/beacon/pkg/content"
)

// Kind is the plugin category. It decides which capability contract a
// candidate must satisfy at registration time.
type Kind string

const (
	KindSource      Kind = "source"
	KindDestination Kind = "destination"
	KindFilter      Kind = "filter"
)

// Descriptor describes a plugin. It is created at discovery time and never
// mutated afterwards.
type Descriptor struct {
	Name         string            `yaml:"name"`
	Kind         Kind              `yaml:"kind"`
	Version      string            `yaml:"version"`
	Description  string            `yaml:"description"`
	Author       string            `yaml:"author"`
	Capabilities []string          `yaml:"capabilities"`
	ConfigSchema map[string]string `yaml:"config_schema"`

	// FetchInterval is the default fetch cadence for source plugins. Zero
	// means the aggregator's base interval applies.
	FetchInterval time.Duration `yaml:"fetch_interval"`

	// RateCapacity and RateRefill configure this plugin's token bucket.
	// Zero values fall back to the limiter defaults.
	RateCapacity float64 `yaml:"rate_capacity"`
	RateRefill   float64 `yaml:"rate_refill"`
}

// Plugin is the base contract every plugin implements: identity plus the
// four lifecycle hooks. Any hook may fail; a hook failure transitions that
// instance to Failed without affecting other instances.
type Plugin interface {
	Descriptor() *Descriptor
	Initialize(config map[string]any) error
	Start() error
	Stop() error
	Cleanup() error
}

// ConfigValidator is required of source, destination and filter plugins.
// It checks a configuration before Initialize is ever called with it.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// SourcePlugin supplies raw content from an external provider.
type SourcePlugin interface {
	Plugin
	ConfigValidator
	FetchContent(ctx context.Context) ([]content.RawItem, error)
}

// PostResult is the outcome of a successful post or reshare.
type PostResult struct {
	PostID string `json:"post_id"`
	URL    string `json:"url,omitempty"`
}

// Capabilities describes what a destination supports, used to validate
// content before posting.
type Capabilities struct {
	MaxTextLength      int      `json:"max_text_length"`
	SupportsMedia      bool     `json:"supports_media"`
	MaxMediaCount      int      `json:"max_media_count"`
	SupportsScheduling bool     `json:"supports_scheduling"`
	NativeReshareTypes []string `json:"native_reshare_types,omitempty"`
}

// ContentValidation reports whether a payload fits a destination's rules,
// with the specific field violations when it does not.
type ContentValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// DestinationPlugin publishes content to an external provider.
type DestinationPlugin interface {
	Plugin
	ConfigValidator
	PostContent(ctx context.Context, c content.ShareableContent) (*PostResult, error)
	ValidateContent(c content.ShareableContent) ContentValidation
	Capabilities() Capabilities
	SupportsReshare(sourceType string) bool
	Reshare(ctx context.Context, item *content.Item) (*PostResult, error)
}

// FilterPlugin transforms or drops normalized items between fetch and save.
type FilterPlugin interface {
	Plugin
	ConfigValidator
	FilterContent(items []*content.Item) []*content.Item
}

// Factory constructs a fresh plugin implementation. Factories are
// registered by name; a manifest on disk binds configuration to a factory.
type Factory func() Plugin

// ValidationIssue is a single problem found while validating a descriptor
// or a candidate implementation.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a candidate against the
// capability contract for its declared kind. MissingCapabilities names each
// required operation the candidate does not implement.
type ValidationResult struct {
	Valid               bool              `json:"valid"`
	MissingCapabilities []string          `json:"missing_capabilities,omitempty"`
	Issues              []ValidationIssue `json:"issues,omitempty"`
}
