// Package config loads session configuration from a TOML file with
// TETHER_-prefixed environment overrides, and optionally watches the file
// so tunables (timeouts, settle delay) follow edits without a restart.
// Structural settings such as ports and binary paths are read once per
// session.
package config
