package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pluginDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(body), 0644))
}

func TestRegistryRegisterFactoryDuplicate(t *testing.T) {
	registry := NewRegistry(nil, quietLogger())
	factory := func() Plugin { return &lifecycleOnly{desc: sourceDescriptor("x")} }

	require.NoError(t, registry.RegisterFactory("x", factory))
	assert.Error(t, registry.RegisterFactory("x", factory))
	assert.Error(t, registry.RegisterFactory("y", nil))
}

func TestRegistryDiscover(t *testing.T) {
	dir := t.TempDir()

	writeManifest(t, dir, "good", `
name: good-feed
kind: source
version: 1.0.0
factory: rss-source
config:
  url: https://example.com/feed.xml
`)
	writeManifest(t, dir, "no-kind", `
name: kindless
version: 1.0.0
`)
	writeManifest(t, dir, "garbage", `{{{not yaml`)

	registry := NewRegistry([]string{dir, filepath.Join(dir, "missing")}, quietLogger())
	descriptors, err := registry.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, descriptors, 1)
	assert.Equal(t, "good-feed", descriptors[0].Name)
	assert.Equal(t, KindSource, descriptors[0].Kind)

	manifest, ok := registry.Manifest("good-feed")
	require.True(t, ok)
	assert.True(t, manifest.Enabled)
	assert.Equal(t, "rss-source", manifest.Factory)
	assert.Equal(t, "https://example.com/feed.xml", manifest.Config["url"])
}

func TestRegistryBuildUnknownFactory(t *testing.T) {
	registry := NewRegistry(nil, quietLogger())
	manifest := sourceManifest("orphan")

	_, err := registry.Build(manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no factory registered")
}

func TestRegistryBuildRejectsNonConforming(t *testing.T) {
	registry := NewRegistry(nil, quietLogger())
	desc := destinationDescriptor("half")
	require.NoError(t, registry.RegisterFactory("half", func() Plugin {
		return &lifecycleOnly{desc: desc}
	}))

	_, err := registry.Build(&Manifest{Descriptor: *desc, Factory: "half"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post_content")
}
