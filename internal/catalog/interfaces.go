// Package catalog contracts and implements the remote version/mod
// metadata lookups the Installer and Mod Store need. The remote
// catalog APIs themselves are an out-of-scope external collaborator
// per the Agent's charter; this package owns only the client side of
// that contract.
package catalog

import "context"

// VersionRelease describes where to fetch a specific Factorio binary
// version and how to verify it once downloaded.
type VersionRelease struct {
	Version     string
	DownloadURL string
	SHA1        string
}

// ModRelease describes one downloadable version of a mod.
type ModRelease struct {
	Version     string
	DownloadURL string
	SHA1        string
}

// VersionResolver resolves a requested version string to a concrete
// release. Implementations may return an error wrapping ErrNotFound
// when the version does not exist upstream.
type VersionResolver interface {
	ResolveVersion(ctx context.Context, version string) (VersionRelease, error)
}

// ModCatalog looks up the available releases for a named mod.
type ModCatalog interface {
	ModReleases(ctx context.Context, name string) ([]ModRelease, error)
}

// Credentials carries the catalog API token read from Secrets by the
// Config Store; the Mod Store attaches it to outbound requests.
type Credentials struct {
	Username string
	Token    string
}
