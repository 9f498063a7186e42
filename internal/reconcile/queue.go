package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
)

// ErrMalformedRepair marks a queued entry that cannot be decoded. The entry
// has already been removed from the queue.
var ErrMalformedRepair = errors.New("malformed repair entry")

// Queue holds repairs between a partial vote failure and the next
// reconciler pass.
type Queue interface {
	ledger.RepairQueue
	// Pop removes the oldest repair. ok is false when the queue is empty.
	Pop(ctx context.Context) (r ledger.Repair, ok bool, err error)
}

// MemoryQueue is a process-local FIFO. Pending repairs are lost on restart;
// the drift sweep still catches their counters.
type MemoryQueue struct {
	mu      sync.Mutex
	items   []ledger.Repair
	pending map[ledger.Repair]bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pending: make(map[ledger.Repair]bool)}
}

// Push enqueues r unless the same pair is already waiting.
func (q *MemoryQueue) Push(ctx context.Context, r ledger.Repair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[r] {
		return nil
	}
	q.pending[r] = true
	q.items = append(q.items, r)
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context) (ledger.Repair, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Repair{}, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ledger.Repair{}, false, nil
	}
	r := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, r)
	return r, true, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
