package engine

import (
	"sync"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// cleanupStack collects undo actions as a run acquires resources. Every exit
// path unwinds it in reverse order; each action runs at most once, whether it
// was triggered early or by the unwind.
type cleanupStack struct {
	mu      sync.Mutex
	entries []*cleanupEntry
}

type cleanupEntry struct {
	name string
	once sync.Once
	fn   func()
}

func (e *cleanupEntry) run() {
	e.once.Do(func() {
		plog.Debug("Running cleanup", "step", e.name)
		e.fn()
	})
}

// push registers fn and returns a function that runs it now.
func (s *cleanupStack) push(name string, fn func()) func() {
	e := &cleanupEntry{name: name, fn: fn}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e.run
}

// unwind runs every pending action, newest first. It may be called repeatedly.
func (s *cleanupStack) unwind() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].run()
	}
}
