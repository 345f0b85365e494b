package preflight

type Plan struct {
	SourceListReadable bool
	TargetAccessible   bool
	TargetWriteable    bool
	EnsureTargetExists bool

	DryRun bool
}
