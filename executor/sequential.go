package executor

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/scheduler"
)

// executeSequential runs the block in index order on the calling goroutine.
// It is the reference the parallel path must agree with.
func (e *ParallelExecutor) executeSequential(ctx context.Context, numTxns int) (*BlockResult, error) {
	stats := newStats()
	view := &overlayView{writes: make(map[string][]byte), base: e.base}
	res := &BlockResult{Outputs: make([]*Output, 0, numTxns)}

	for i := 0; i < numTxns; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := e.vm.Execute(ctx, i, view)
		stats.Executions.Inc()
		if err != nil {
			if errors.Is(err, ErrReadDependency) {
				err = errors.New("read dependency outside parallel execution")
			}
			return nil, wrapVMError(scheduler.TxnIndex(i), err)
		}
		if out == nil {
			out = &Output{}
		}
		if out.Err != nil {
			return nil, wrapVMError(scheduler.TxnIndex(i), out.Err)
		}

		for _, w := range out.Writes {
			view.writes[w.Key] = w.Value
		}
		res.Outputs = append(res.Outputs, out)
		res.GasUsed += out.Gas

		if e.opts.CommitHook != nil {
			if err := e.opts.CommitHook(i, out); err != nil {
				return nil, wrapVMError(scheduler.TxnIndex(i), err)
			}
		}
		if e.opts.BlockGasLimit > 0 && res.GasUsed >= e.opts.BlockGasLimit {
			break
		}
	}

	res.Committed = len(res.Outputs)
	res.Truncated = res.Committed < numTxns
	res.Stats = stats.Snapshot()

	res.Writes = make([]mvmemory.WriteDescriptor, 0, len(view.writes))
	for k, v := range view.writes {
		res.Writes = append(res.Writes, mvmemory.WriteDescriptor{Key: k, Value: v})
	}
	slices.SortFunc(res.Writes, func(a, b mvmemory.WriteDescriptor) int {
		return strings.Compare(a.Key, b.Key)
	})
	return res, nil
}
