// Package buildinfo carries version identifiers stamped at link time:
//
//	go build -ldflags "-X coderunner/internal/buildinfo.Version=v0.3.0"
package buildinfo

var (
	Version = "dev"
	Commit  = "unknown"
)
