// Package buildinfo carries version metadata stamped at build time.
package buildinfo

// Version is overridden by the release build via
// -ldflags "-X berth/internal/support/buildinfo.Version=...".
var Version = "dev"
