package detect

import (
	"os"
	"path/filepath"
)

// Type classifies how a checkout should be built and served.
type Type string

const (
	// TypeStatic is plain HTML served as-is.
	TypeStatic Type = "static"
	// TypeSPABundler is a frontend with a bundler build step whose
	// output directory is served statically.
	TypeSPABundler Type = "spa-bundler"
	// TypeNodeBackend is a Node service started with its own start script.
	TypeNodeBackend Type = "node-backend"
	// TypeUnknown means no marker matched. Unknown checkouts fall back
	// to the generic backend template.
	TypeUnknown Type = "unknown"
)

var bundlerMarkers = []string{
	"vite.config.js",
	"vite.config.ts",
	"vite.config.mjs",
	"next.config.js",
	"next.config.mjs",
	"next.config.ts",
}

// Detect classifies the checkout at dir by its marker files. Bundler
// configs win over package.json so SPA frontends are not misread as
// backends. Detection never fails: unreadable directories come back
// unknown.
func Detect(dir string) Type {
	for _, marker := range bundlerMarkers {
		if exists(dir, marker) {
			return TypeSPABundler
		}
	}
	if exists(dir, "package.json") {
		return TypeNodeBackend
	}
	if exists(dir, "index.html") {
		return TypeStatic
	}
	return TypeUnknown
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
