// Package presenced provides embedded assets for the presence daemon.
//
// The root package exists solely to embed [config.default.toml] via
// [DefaultConfigTOML], which presenced writes to the data directory on
// first run.
package presenced

import _ "embed"

// DefaultConfigTOML holds the raw bytes of config.default.toml, embedded at
// build time.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
