package download

import (
	"go.uber.org/atomic"

	"github.com/thanhnp/chain-node/internal/chain"
)

// allocator hands out consecutive, non-overlapping ranges of the work list.
// The cursor only moves forward, so no range is ever handed out twice.
type allocator struct {
	work   []chain.Entry
	size   int64
	cursor *atomic.Int64
}

func newAllocator(work []chain.Entry, size int) *allocator {
	if size < 1 {
		size = 1
	}
	return &allocator{work: work, size: int64(size), cursor: atomic.NewInt64(0)}
}

// claim returns the next unclaimed range, or false once the list is
// exhausted.
func (a *allocator) claim() ([]chain.Entry, bool) {
	end := a.cursor.Add(a.size)
	start := end - a.size
	total := int64(len(a.work))
	if start >= total {
		return nil, false
	}
	if end > total {
		end = total
	}
	return a.work[start:end], true
}

// claimed is how many entries have been handed out.
func (a *allocator) claimed() int {
	n := a.cursor.Load()
	if n > int64(len(a.work)) {
		n = int64(len(a.work))
	}
	return int(n)
}
