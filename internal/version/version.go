// Package version exposes the service version stamped into event log
// entries and status responses.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/crypton-sys/crypton/internal/version.Version=...".
var Version = "0.9.0-dev"
