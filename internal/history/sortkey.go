package history

import (
	"fmt"
	"sync"
	"time"
)

// KeyGen issues strictly increasing sort keys. A key is the zero-padded
// nanosecond timestamp plus a monotonic sequence tiebreak, so lexicographic
// order equals issue order even when two keys share a nanosecond or the
// wall clock steps backwards.
type KeyGen struct {
	mu       sync.Mutex
	lastNano int64
	seq      uint64
}

// NewKeyGen creates a sort key generator.
func NewKeyGen() *KeyGen {
	return &KeyGen{}
}

// Next returns the next sort key.
func (g *KeyGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixNano()
	if now < g.lastNano {
		now = g.lastNano // clock went backwards; hold the last timestamp
	}
	g.lastNano = now
	g.seq++

	return fmt.Sprintf("%020d#%012d", now, g.seq)
}
