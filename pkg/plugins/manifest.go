package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// Manifest binds an on-disk plugin configuration to a registered factory.
type Manifest struct {
	Descriptor `yaml:",inline"`

	// Factory is the name of the compiled-in factory implementing this
	// plugin. Defaults to the descriptor name.
	Factory string `yaml:"factory"`

	// Enabled controls whether the instance is started after loading.
	Enabled bool `yaml:"enabled"`

	// Config is passed to the plugin's ValidateConfig and Initialize.
	Config map[string]any `yaml:"config"`
}

// LoadManifest loads and parses a plugin manifest from a file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	manifest := Manifest{Enabled: true}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.Factory == "" {
		manifest.Factory = manifest.Name
	}

	return &manifest, nil
}

// LoadManifestFromDir loads a plugin manifest from a directory (looks for
// plugin.yaml).
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, "plugin.yaml"))
}

// SaveManifest writes a manifest back to disk.
func SaveManifest(manifest *Manifest, path string) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ValidateDescriptor performs basic validation on a plugin descriptor.
func ValidateDescriptor(desc *Descriptor) []ValidationIssue {
	var issues []ValidationIssue

	if desc.Name == "" {
		issues = append(issues, ValidationIssue{Field: "name", Message: "plugin name is required"})
	}
	if desc.Version == "" {
		issues = append(issues, ValidationIssue{Field: "version", Message: "version is required"})
	} else if !isValidSemver(desc.Version) {
		issues = append(issues, ValidationIssue{Field: "version", Message: fmt.Sprintf("invalid semver format: %s", desc.Version)})
	}

	switch desc.Kind {
	case KindSource, KindDestination, KindFilter:
	case "":
		issues = append(issues, ValidationIssue{Field: "kind", Message: "plugin kind is required"})
	default:
		issues = append(issues, ValidationIssue{Field: "kind", Message: fmt.Sprintf("invalid plugin kind: %s", desc.Kind)})
	}

	if desc.FetchInterval < 0 {
		issues = append(issues, ValidationIssue{Field: "fetch_interval", Message: "fetch interval cannot be negative"})
	}
	if desc.RateCapacity < 0 || desc.RateRefill < 0 {
		issues = append(issues, ValidationIssue{Field: "rate_capacity", Message: "rate limit parameters cannot be negative"})
	}

	return issues
}

func isValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}
