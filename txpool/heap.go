package txpool

import (
	"container/heap"
	"time"

	"github.com/tolelom/tolchain/core"
)

// ttlItem is one entry in the TTL min-heap, keyed by expiration time.
type ttlItem struct {
	hash      string
	expiresAt time.Time
	index     int
}

// ttlHeap is a container/heap.Interface min-heap ordered by expiresAt,
// matching spec.md §4.F's `ttl_index`.
type ttlHeap []*ttlItem

func (h ttlHeap) Len() int { return len(h) }
func (h ttlHeap) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}
func (h ttlHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *ttlHeap) Push(x any) {
	item := x.(*ttlItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *ttlHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// removeByHash removes the entry for hash from the heap, if present. Used
// when a fee-bump replaces a transaction so the superseded entry's TTL
// slot is reclaimed immediately.
func (h *ttlHeap) removeByHash(hash string) {
	for i, item := range *h {
		if item.hash == hash {
			heap.Remove(h, i)
			return
		}
	}
}

// assemblyItem is one candidate for the next block, ordered by (gas_price
// DESC, arrival-time ASC), matching spec.md §4.F "Block assembly".
type assemblyItem struct {
	tx      *core.Transaction
	arrival time.Time
	sender  string
}

// assemblyQueue is a container/heap.Interface max-priority-queue over
// assemblyItem.
type assemblyQueue []*assemblyItem

func (q assemblyQueue) Len() int { return len(q) }
func (q assemblyQueue) Less(i, j int) bool {
	gi, gj := q[i].tx.GasPrice, q[j].tx.GasPrice
	if gi != gj {
		return gi > gj
	}
	return q[i].arrival.Before(q[j].arrival)
}
func (q assemblyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *assemblyQueue) Push(x any)   { *q = append(*q, x.(*assemblyItem)) }
func (q *assemblyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
