// Package mvmemory is the multi-version store a block executes against.
// Every transaction's writes are kept per key, ordered by transaction
// index, so a read by transaction i resolves to the write of the highest
// transaction below i.
package mvmemory

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/maxpert/blockstm/scheduler"
	"github.com/puzpuzpuz/xsync/v3"
)

// ReadKind says where a read was served from.
type ReadKind uint8

const (
	// ReadOK is a value written by a lower transaction in this block.
	ReadOK ReadKind = iota
	// ReadNotFound means no lower transaction wrote the key; the caller
	// falls back to committed state.
	ReadNotFound
	// ReadDependency means the latest lower write is an estimate left by an
	// aborted incarnation.
	ReadDependency
)

// ReadResult is the outcome of Read.
type ReadResult struct {
	Kind    ReadKind
	Version scheduler.Version // writer, for ReadOK
	Value   []byte            // for ReadOK
	// BlockingTxn is the writer of the estimate, for ReadDependency.
	BlockingTxn scheduler.TxnIndex
}

// ReadDescriptor records one read of an execution, used for validation.
type ReadDescriptor struct {
	Key string
	// FromStorage is set when no lower transaction had written the key.
	FromStorage bool
	Version     scheduler.Version
}

// WriteDescriptor is one key written by a transaction.
type WriteDescriptor struct {
	Key   string
	Value []byte
}

// MVMemory is safe for concurrent use by all workers of a block.
type MVMemory struct {
	numTxns int
	data    *xsync.MapOf[string, *chain]
	filter  *writeFilter

	// Indexed by transaction. Replaced wholesale on every Record.
	writtenKeys []atomic.Pointer[[]string]
	readSets    []atomic.Pointer[[]ReadDescriptor]
}

// New creates an empty memory for a block of numTxns transactions.
func New(numTxns int) *MVMemory {
	return &MVMemory{
		numTxns:     numTxns,
		data:        xsync.NewMapOf[string, *chain](),
		filter:      newWriteFilter(),
		writtenKeys: make([]atomic.Pointer[[]string], numTxns),
		readSets:    make([]atomic.Pointer[[]ReadDescriptor], numTxns),
	}
}

// Record installs the writes and read set of an execution. It returns true
// when the execution wrote a key its previous incarnation did not, meaning
// higher transactions may have read around it and must be revalidated.
func (m *MVMemory) Record(version scheduler.Version, reads []ReadDescriptor, writes []WriteDescriptor) bool {
	idx := version.Index

	newKeys := make([]string, 0, len(writes))
	for _, w := range writes {
		m.filter.add(w.Key)
		c, _ := m.data.LoadOrCompute(w.Key, newChain)
		c.set(entry{txn: idx, incarnation: version.Incarnation, value: w.Value})
		newKeys = append(newKeys, w.Key)
	}
	slices.Sort(newKeys)
	newKeys = slices.Compact(newKeys)

	var prevKeys []string
	if p := m.writtenKeys[idx].Load(); p != nil {
		prevKeys = *p
	}

	wroteNewLocation := false
	for _, k := range newKeys {
		if _, found := slices.BinarySearch(prevKeys, k); !found {
			wroteNewLocation = true
			break
		}
	}
	for _, k := range prevKeys {
		if _, found := slices.BinarySearch(newKeys, k); !found {
			if c, ok := m.data.Load(k); ok {
				c.remove(idx)
			}
		}
	}

	m.writtenKeys[idx].Store(&newKeys)
	readSet := slices.Clone(reads)
	m.readSets[idx].Store(&readSet)
	return wroteNewLocation
}

// Read resolves key for transaction txn.
func (m *MVMemory) Read(key string, txn scheduler.TxnIndex) ReadResult {
	if !m.filter.mayContain(key) {
		return ReadResult{Kind: ReadNotFound}
	}

	c, ok := m.data.Load(key)
	if !ok {
		return ReadResult{Kind: ReadNotFound}
	}

	e, ok := c.latestBefore(txn)
	if !ok {
		return ReadResult{Kind: ReadNotFound}
	}
	if e.estimate {
		return ReadResult{Kind: ReadDependency, BlockingTxn: e.txn}
	}
	return ReadResult{
		Kind:    ReadOK,
		Version: scheduler.Version{Index: e.txn, Incarnation: e.incarnation},
		Value:   e.value,
	}
}

// ValidateReadSet re-resolves every read of the last recorded execution of
// txn and reports whether each still resolves to the same place.
func (m *MVMemory) ValidateReadSet(txn scheduler.TxnIndex) bool {
	p := m.readSets[txn].Load()
	if p == nil {
		return true
	}

	for _, rd := range *p {
		res := m.Read(rd.Key, txn)
		switch res.Kind {
		case ReadDependency:
			return false
		case ReadNotFound:
			if !rd.FromStorage {
				return false
			}
		case ReadOK:
			if rd.FromStorage || res.Version != rd.Version {
				return false
			}
		}
	}
	return true
}

// ConvertWritesToEstimates marks the writes of txn's aborted incarnation so
// that readers wait for its next incarnation instead of reading them.
func (m *MVMemory) ConvertWritesToEstimates(txn scheduler.TxnIndex) {
	p := m.writtenKeys[txn].Load()
	if p == nil {
		return
	}
	for _, k := range *p {
		if c, ok := m.data.Load(k); ok {
			c.markEstimate(txn)
		}
	}
}

// WrittenKeys returns the keys of the last recorded execution of txn.
func (m *MVMemory) WrittenKeys(txn scheduler.TxnIndex) []string {
	if p := m.writtenKeys[txn].Load(); p != nil {
		return slices.Clone(*p)
	}
	return nil
}

// Snapshot returns the final value of every key written in the block,
// sorted by key. Call it only after every transaction committed.
func (m *MVMemory) Snapshot() []WriteDescriptor {
	return m.SnapshotBefore(scheduler.TxnIndex(m.numTxns))
}

// SnapshotBefore is Snapshot restricted to writes of transactions below
// end, used when a block is truncated to its committed prefix.
func (m *MVMemory) SnapshotBefore(end scheduler.TxnIndex) []WriteDescriptor {
	var out []WriteDescriptor
	m.data.Range(func(key string, c *chain) bool {
		if e, ok := c.latestBefore(end); ok && !e.estimate {
			out = append(out, WriteDescriptor{Key: key, Value: e.value})
		}
		return true
	})
	slices.SortFunc(out, func(a, b WriteDescriptor) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}
