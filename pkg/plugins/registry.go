package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry discovers plugin descriptors and resolves them to compiled-in
// factories. Discovery is read-only; nothing is constructed or started here.
type Registry struct {
	pluginDirs []string
	factories  map[string]Factory
	manifests  map[string]*Manifest
	mu         sync.RWMutex
	log        *logrus.Logger
}

// NewRegistry creates a registry scanning the given directories for
// plugin.yaml manifests.
func NewRegistry(dirs []string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		pluginDirs: dirs,
		factories:  make(map[string]Factory),
		manifests:  make(map[string]*Manifest),
		log:        log,
	}
}

// RegisterFactory makes a compiled-in plugin constructor available under a
// name manifests can reference.
func (r *Registry) RegisterFactory(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil factory for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("factory already registered: %s", name)
	}
	r.factories[name] = factory
	return nil
}

// Discover scans the plugin directories and returns the descriptors of all
// valid manifests. Manifests that fail to parse or validate are logged with
// the specific problem and skipped; they never reach the manager.
func (r *Registry) Discover(ctx context.Context) ([]*Descriptor, error) {
	var descriptors []*Descriptor
	found := make(map[string]*Manifest)

	for _, dir := range r.pluginDirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			r.log.Debugf("Plugin directory does not exist: %s", dir)
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			r.log.Warnf("Failed to read plugin directory %s: %v", dir, err)
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, entry.Name())
			manifest, err := LoadManifestFromDir(pluginDir)
			if err != nil {
				r.log.Warnf("Failed to load plugin manifest from %s: %v", pluginDir, err)
				continue
			}
			if issues := ValidateDescriptor(&manifest.Descriptor); len(issues) > 0 {
				r.log.WithField("plugin", manifest.Name).
					Warnf("Manifest validation failed: %v", issues)
				continue
			}
			if _, dup := found[manifest.Name]; dup {
				r.log.Warnf("Duplicate plugin manifest for %s, keeping first", manifest.Name)
				continue
			}
			found[manifest.Name] = manifest
			descriptors = append(descriptors, &manifest.Descriptor)
		}
	}

	r.mu.Lock()
	r.manifests = found
	r.mu.Unlock()

	r.log.Infof("Discovered %d plugin manifests", len(descriptors))
	return descriptors, nil
}

// Manifest returns the discovered manifest for a plugin name.
func (r *Registry) Manifest(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[name]
	return m, ok
}

// Manifests returns all discovered manifests.
func (r *Registry) Manifests() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	return out
}

// Resolve returns the factory registered under name.
func (r *Registry) Resolve(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Build constructs a candidate implementation for a manifest and validates
// it against its declared kind. The instance is returned unstarted.
func (r *Registry) Build(manifest *Manifest) (Plugin, error) {
	factory, ok := r.Resolve(manifest.Factory)
	if !ok {
		return nil, fmt.Errorf("no factory registered for plugin %s (factory %q)", manifest.Name, manifest.Factory)
	}

	candidate := factory()
	if result := Validate(&manifest.Descriptor, candidate); !result.Valid {
		return nil, fmt.Errorf("plugin %s failed validation: missing capabilities %v, issues %v",
			manifest.Name, result.MissingCapabilities, result.Issues)
	}
	return candidate, nil
}
