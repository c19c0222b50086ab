// Package buildinfo exposes the version string stamped into CLI commands.
package buildinfo

// Version is overridden at link time via -ldflags "-X omesh/internal/buildinfo.Version=...".
var Version = "dev"
