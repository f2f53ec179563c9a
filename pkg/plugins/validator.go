package plugins

import (
	"context"

	"github.com/stationhq/beacon/pkg/content"
)

// Single-operation views of the capability contracts. Validation checks a
// candidate against each required operation individually so a failure can
// name the specific missing capability.
type (
	contentFetcher interface {
		FetchContent(ctx context.Context) ([]content.RawItem, error)
	}
	contentPoster interface {
		PostContent(ctx context.Context, c content.ShareableContent) (*PostResult, error)
	}
	contentValidator interface {
		ValidateContent(c content.ShareableContent) ContentValidation
	}
	capabilityReporter interface {
		Capabilities() Capabilities
	}
	reshareSupporter interface {
		SupportsReshare(sourceType string) bool
	}
	resharer interface {
		Reshare(ctx context.Context, item *content.Item) (*PostResult, error)
	}
	contentFilter interface {
		FilterContent(items []*content.Item) []*content.Item
	}
)

type capabilityCheck struct {
	name  string
	check func(Plugin) bool
}

var requiredCapabilities = map[Kind][]capabilityCheck{
	KindSource: {
		{"fetch_content", func(p Plugin) bool { _, ok := p.(contentFetcher); return ok }},
		{"validate_config", func(p Plugin) bool { _, ok := p.(ConfigValidator); return ok }},
	},
	KindDestination: {
		{"post_content", func(p Plugin) bool { _, ok := p.(contentPoster); return ok }},
		{"validate_content", func(p Plugin) bool { _, ok := p.(contentValidator); return ok }},
		{"get_capabilities", func(p Plugin) bool { _, ok := p.(capabilityReporter); return ok }},
		{"supports_reshare", func(p Plugin) bool { _, ok := p.(reshareSupporter); return ok }},
		{"reshare", func(p Plugin) bool { _, ok := p.(resharer); return ok }},
		{"validate_config", func(p Plugin) bool { _, ok := p.(ConfigValidator); return ok }},
	},
	KindFilter: {
		{"filter_content", func(p Plugin) bool { _, ok := p.(contentFilter); return ok }},
		{"validate_config", func(p Plugin) bool { _, ok := p.(ConfigValidator); return ok }},
	},
}

// Validate checks a candidate implementation against the capability contract
// for the descriptor's declared kind. It has no side effects; a plugin that
// fails validation never reaches the manager.
func Validate(desc *Descriptor, candidate Plugin) *ValidationResult {
	result := &ValidationResult{Valid: true}

	result.Issues = ValidateDescriptor(desc)
	if len(result.Issues) > 0 {
		result.Valid = false
	}

	if candidate == nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{Field: "plugin", Message: "candidate implementation is nil"})
		return result
	}

	checks, ok := requiredCapabilities[desc.Kind]
	if !ok {
		// Descriptor validation already reported the bad kind.
		return result
	}

	for _, c := range checks {
		if !c.check(candidate) {
			result.Valid = false
			result.MissingCapabilities = append(result.MissingCapabilities, c.name)
		}
	}

	return result
}
