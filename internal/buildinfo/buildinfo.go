// Package buildinfo exposes version metadata stamped at link time, e.g.
//
//	go build -ldflags "-X shiftroute/internal/buildinfo.Version=v1.2.0 -X shiftroute/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns the build metadata as served by /healthz and /version.
func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
}
