package schema

import (
	"embed"
	"io/fs"
)

// builtinDomains bundles the default domain schema files shipped with the
// binary so a deployment always has at least the encyclopedia fallback and
// a couple of common verticals available without operator configuration.
//
//go:embed domains/*.yaml
var builtinDomains embed.FS

// DefaultSchemas returns the filesystem of built-in domain schema files,
// rooted so entries appear without the "domains/" prefix.
func DefaultSchemas() fs.FS {
	sub, err := fs.Sub(builtinDomains, "domains")
	if err != nil {
		// The embed directive guarantees "domains" exists at build time.
		panic(err)
	}
	return sub
}
