// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI and library validate
// manifests regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// BatchManifestSchema is the embedded batch-manifest JSON schema.
//
//go:embed batch-manifest.schema.json
var BatchManifestSchema []byte
