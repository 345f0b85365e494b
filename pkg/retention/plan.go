package retention

type Plan struct {
	KeepFull        int
	KeepIncremental int

	// Workers bounds concurrent archive deletions.
	Workers int
	DryRun  bool
}
