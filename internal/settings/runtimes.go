package settings

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runtime describes how one language executes: the container image, an
// optional compile step, and the run command. The literal "{entry}" in
// any argument is replaced with the entry-point path at execution time.
// Language behaviour lives entirely in this mapping; adding a language
// is a data change plus an image.
type Runtime struct {
	Image   string   `yaml:"image"`
	Compile []string `yaml:"compile,omitempty"`
	Run     []string `yaml:"run"`
	Memory  string   `yaml:"memory,omitempty"`

	// MemoryBytes is the resolved cap (Memory override, the sql
	// default, or docker_memory). Filled by Normalize.
	MemoryBytes int64 `yaml:"-"`
}

// DefaultRuntimes is the built-in language catalog.
func DefaultRuntimes() map[string]Runtime {
	return map[string]Runtime{
		"python": {
			Image: "python:3.12-alpine",
			Run:   []string{"python3", "-u", "{entry}"},
		},
		"javascript": {
			Image: "node:22-alpine",
			Run:   []string{"node", "{entry}"},
		},
		"go": {
			Image: "golang:1.25-alpine",
			Run:   []string{"go", "run", "{entry}"},
		},
		"c": {
			Image:   "gcc:14",
			Compile: []string{"gcc", "-O2", "-o", "/tmp/main", "{entry}"},
			Run:     []string{"/tmp/main"},
		},
		"sql": {
			Image: "keinos/sqlite3:latest",
			Run:   []string{"sh", "-c", "sqlite3 -bail :memory: < {entry}"},
		},
	}
}

// LoadRuntimesFile reads a YAML language catalog, replacing the
// built-in one wholesale.
func LoadRuntimesFile(path string) (map[string]Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid("read runtimes file: %v", err)
	}
	var rts map[string]Runtime
	if err := yaml.Unmarshal(data, &rts); err != nil {
		return nil, invalid("parse runtimes file %s: %v", path, err)
	}
	if len(rts) == 0 {
		return nil, invalid("runtimes file %s defines no runtimes", path)
	}
	return rts, nil
}

// ExpandArgs substitutes the {entry} placeholder in a recipe argv.
func ExpandArgs(args []string, entry string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{entry}", entry)
	}
	return out
}
