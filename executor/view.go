package executor

import (
	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/scheduler"
)

// mvView is the StateView of one execution attempt. It records every read
// for validation and remembers the first estimate it ran into.
type mvView struct {
	mem  *mvmemory.MVMemory
	base BaseReader
	txn  scheduler.TxnIndex

	reads    []mvmemory.ReadDescriptor
	blocked  bool
	blocking scheduler.TxnIndex
}

func (v *mvView) Get(key string) ([]byte, bool, error) {
	res := v.mem.Read(key, v.txn)
	switch res.Kind {
	case mvmemory.ReadOK:
		v.reads = append(v.reads, mvmemory.ReadDescriptor{Key: key, Version: res.Version})
		return res.Value, true, nil
	case mvmemory.ReadDependency:
		if !v.blocked {
			v.blocked = true
			v.blocking = res.BlockingTxn
		}
		return nil, false, ErrReadDependency
	default:
		v.reads = append(v.reads, mvmemory.ReadDescriptor{Key: key, FromStorage: true})
		if v.base == nil {
			return nil, false, nil
		}
		return v.base.Get(key)
	}
}

// overlayView serves the sequential path: the block's own writes first,
// then base.
type overlayView struct {
	writes map[string][]byte
	base   BaseReader
}

func (v *overlayView) Get(key string) ([]byte, bool, error) {
	if val, ok := v.writes[key]; ok {
		return val, true, nil
	}
	if v.base == nil {
		return nil, false, nil
	}
	return v.base.Get(key)
}
