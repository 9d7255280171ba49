package authserver

import (
	"embed"
	"io/fs"
	"strings"
)

//go:embed *.go
var sourceFS embed.FS

// sourceFile holds the embed directive and is not part of a vendored copy.
const sourceFile = "source.go"

// Sources returns the package's Go sources, keyed by file name, without
// tests. Generated backends vendor them so they build without this module.
func Sources() (map[string][]byte, error) {
	entries, err := fs.ReadDir(sourceFS, ".")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		name := e.Name()
		if name == sourceFile || strings.HasSuffix(name, "_test.go") {
			continue
		}
		data, err := sourceFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out[name] = data
	}
	return out, nil
}
