package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs hands out deterministic client ids shaped like UUIDs, so
// scenario traces stay byte-identical across runs.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu  sync.Mutex
	seq int64
}

// NewSequentialIDs creates a generator whose first id ends in 1.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

// Next returns the next id.
func (g *SequentialIDs) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.seq), nil
}
