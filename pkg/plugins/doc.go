// Package plugins implements the plugin registry and lifecycle manager.
//
// The registry discovers plugin descriptors (from plugin.yaml manifests or
// compiled-in factories) and validates each candidate against the capability
// contract for its declared kind before it can be activated. The manager
// owns a lifecycle state machine per loaded instance and wraps every plugin
// invocation with timeout enforcement and panic isolation, so a faulting
// plugin never takes down its neighbors or the process.
package plugins
