// Package builtin ships the plugins compiled into the daemon: an RSS/Atom
// source and a generic JSON webhook destination. They are registered like
// any discovered plugin and exercise the same lifecycle, validation and
// isolation machinery.
package builtin
