// Package buffer holds the in-memory queue between log calls and the
// segment writer.
package buffer

import (
	"sync"

	"github.com/cuemby/logship/pkg/types"
)

// DoubleBuffer decouples producers from the periodic writer. Producers
// append to the active side; Retrieve flips the active side and hands the
// previous one to the single drainer. No I/O happens here.
type DoubleBuffer struct {
	mu     sync.Mutex // guards active and appends to sides[active]
	sides  [2][]*types.Entry
	active int

	drainMu sync.Mutex // one drainer at a time
}

// New creates an empty double buffer
func New() *DoubleBuffer {
	return &DoubleBuffer{}
}

// Add appends an entry to the active side. Safe for concurrent use.
func (b *DoubleBuffer) Add(entry *types.Entry) {
	b.mu.Lock()
	b.sides[b.active] = append(b.sides[b.active], entry)
	b.mu.Unlock()
}

// Retrieve swaps sides and returns everything added before the swap, in
// insertion order. The returned slice is owned by the caller.
func (b *DoubleBuffer) Retrieve() []*types.Entry {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	b.mu.Lock()
	prev := b.active
	b.active = 1 - prev
	b.mu.Unlock()

	// Producers only touch sides[active] under mu, and the next flip back
	// to prev needs drainMu, so prev is ours until we return.
	drained := b.sides[prev]
	if len(drained) == 0 {
		return nil
	}
	out := make([]*types.Entry, len(drained))
	copy(out, drained)

	clear(drained)
	b.sides[prev] = drained[:0]
	return out
}

// Len returns the number of entries waiting on the active side
func (b *DoubleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sides[b.active])
}
