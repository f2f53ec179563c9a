package builtin

import (
	"github.com/stationhq/beacon/pkg/plugins"
)

// Register adds the builtin plugin factories to a registry.
func Register(registry *plugins.Registry) error {
	if err := registry.RegisterFactory(rssPluginName, NewRSSSource); err != nil {
		return err
	}
	return registry.RegisterFactory(webhookPluginName, NewWebhookDestination)
}
