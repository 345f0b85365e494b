package snapshot

import "github.com/paulschiretz/pgl-snapback/pkg/retrier"

type Plan struct {
	// LinkDir receives one "snapshot_<label>" link per view. Empty disables links
	// and downstream code reads the provider path directly.
	LinkDir string
	Retry   retrier.Policy
}
