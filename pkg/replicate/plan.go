package replicate

import "github.com/paulschiretz/pgl-snapback/pkg/retrier"

type Plan struct {
	Enabled       bool
	MaxConcurrent int
	Retry         retrier.Policy
	DryRun        bool
}
