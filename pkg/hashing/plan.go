package hashing

type Plan struct {
	Workers    int
	BufferSize int
	Metrics    bool
}
