// ABOUTME: Build version string shared by the CLI and outbound HTTP requests
// ABOUTME: Stamped via -ldflags "-X .../internal/version.Version=v1.2.3"

package version

// Version is overridden at build time by the release pipeline.
var Version = "dev"
