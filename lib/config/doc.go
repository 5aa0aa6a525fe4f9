// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for meshstore
// tools.
//
// Configuration is loaded from a single file specified by either the
// MESHSTORE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production turns on checksum
// verification unless its section says otherwise.
//
// Variable expansion is performed on path fields and the streaming
// auth token after loading: ${HOME}, ${TMPDIR}, and ${VAR:-default}
// patterns are expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Local, Streaming
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other meshstore packages.
package config
