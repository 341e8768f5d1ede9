package mvmemory

import (
	"sync"

	"github.com/maxpert/blockstm/scheduler"
	"github.com/tidwall/btree"
)

// entry is one transaction's write to a key. An estimate marks the write of
// an aborted incarnation that is likely to be written again.
type entry struct {
	txn         scheduler.TxnIndex
	incarnation scheduler.Incarnation
	value       []byte
	estimate    bool
}

// chain holds every write to a single key in the block, ordered by
// transaction index. At most one entry per transaction.
type chain struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
}

func newChain() *chain {
	return &chain{
		tree: btree.NewBTreeGOptions(func(a, b entry) bool {
			return a.txn < b.txn
		}, btree.Options{NoLocks: true}),
	}
}

func (c *chain) set(e entry) {
	c.mu.Lock()
	c.tree.Set(e)
	c.mu.Unlock()
}

func (c *chain) remove(txn scheduler.TxnIndex) {
	c.mu.Lock()
	c.tree.Delete(entry{txn: txn})
	c.mu.Unlock()
}

func (c *chain) markEstimate(txn scheduler.TxnIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.tree.Get(entry{txn: txn}); ok {
		e.estimate = true
		c.tree.Set(e)
	}
}

// latestBefore returns the write of the highest transaction below txn.
func (c *chain) latestBefore(txn scheduler.TxnIndex) (entry, bool) {
	if txn == 0 {
		return entry{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var found entry
	ok := false
	c.tree.Descend(entry{txn: txn - 1}, func(e entry) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}
