package staging

type Plan struct {
	Workers    int
	BufferSize int
	Metrics    bool
}
