package mvmemory

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/blockstm/telemetry"
)

const (
	// capacity = bucketSize × numBuckets = 4 × 65536 = 256K keys per block
	filterBucketSize      = 4
	filterFingerprintSize = 32
	filterNumBuckets      = 1 << 16
)

// writeFilter answers "was this key possibly written in the block". A miss
// lets a read skip the version map and go straight to committed state.
//
// Keys are only ever added; a key whose writes were all removed stays in
// the filter as a false positive. Once an insert fails the filter is
// saturated and every lookup reports a possible hit.
type writeFilter struct {
	mu        sync.RWMutex
	filter    *cuckoo.Filter
	saturated bool
}

func newWriteFilter() *writeFilter {
	return &writeFilter{
		filter: cuckoo.NewFilter(filterBucketSize, filterFingerprintSize,
			filterNumBuckets, cuckoo.TableTypePacked),
	}
}

func keyHash(key string) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(key))
	return buf
}

func (f *writeFilter) mayContain(key string) bool {
	h := keyHash(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.saturated || f.filter.Contain(h)
}

func (f *writeFilter) add(key string) {
	h := keyHash(key)

	f.mu.Lock()
	if f.saturated || f.filter.Contain(h) {
		f.mu.Unlock()
		return
	}
	if !f.filter.Add(h) {
		f.saturated = true
	}
	size := f.filter.Size()
	f.mu.Unlock()

	telemetry.WriteFilterSize.Set(float64(size))
}
