package buildinfo

// Version is set at build time:
// go build -ldflags="-X github.com/paulschiretz/pgl-snapback/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical application name used in logs and file prefixes.
var Name = "PGL-Snapback"
