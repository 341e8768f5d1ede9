// Package executor runs a block of transactions in parallel on top of the
// scheduler and the multi-version memory, producing the same outputs and
// final state as running them one after another in index order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/scheduler"
	"github.com/maxpert/blockstm/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrReadDependency is returned by StateView.Get when the key was last
// written by an unfinished lower transaction. A VM must return it unchanged.
var ErrReadDependency = errors.New("read depends on an unfinished transaction")

// StateView is what a transaction reads through.
type StateView interface {
	Get(key string) ([]byte, bool, error)
}

// BaseReader serves keys not written earlier in the block.
type BaseReader interface {
	Get(key string) ([]byte, bool, error)
}

// VM executes a single transaction of the block. It must be deterministic
// in what it reads through view and must not keep state between calls: the
// same transaction may be executed many times.
type VM interface {
	Execute(ctx context.Context, idx int, view StateView) (*Output, error)
}

// Status is the application outcome of a transaction.
type Status uint8

const (
	StatusSuccess Status = iota
	// StatusFailed is a transaction rejected by the VM (bad input,
	// insufficient funds). It still commits, with no writes.
	StatusFailed
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failed"
}

// Output is the result of one execution.
type Output struct {
	Writes  []mvmemory.WriteDescriptor
	Gas     uint64
	Status  Status
	Message string
	// Err is a VM error of this execution. It fails the block only if the
	// execution is committed; a speculative one is aborted like any other.
	Err error
}

// CommitHook observes committed outputs in strict index order. An error
// halts the block.
type CommitHook func(idx int, out *Output) error

// Options configure a ParallelExecutor.
type Options struct {
	// Concurrency is the number of workers; <= 1 runs sequentially.
	Concurrency int
	// BlockGasLimit truncates the block once the committed gas reaches it.
	// 0 means unlimited.
	BlockGasLimit uint64
	// ExecutionWindow bounds speculation past the commit cursor when a gas
	// limit is set.
	ExecutionWindow int
	// IdleBackoff is slept by a worker that found nothing to do.
	IdleBackoff time.Duration
	CommitHook  CommitHook
}

// BlockResult is the committed prefix of a block.
type BlockResult struct {
	Outputs   []*Output
	Writes    []mvmemory.WriteDescriptor
	Committed int
	Truncated bool
	GasUsed   uint64
	Stats     StatsSnapshot
}

// ParallelExecutor executes blocks. Blocks run one at a time.
type ParallelExecutor struct {
	vm   VM
	base BaseReader
	opts Options

	current atomic.Pointer[blockRun]
}

// New creates an executor. base may be nil, in which case keys not written
// in the block read as absent.
func New(vm VM, base BaseReader, opts Options) *ParallelExecutor {
	return &ParallelExecutor{vm: vm, base: base, opts: opts}
}

// ExecuteBlock runs transactions [0, numTxns).
func (e *ParallelExecutor) ExecuteBlock(ctx context.Context, numTxns int) (*BlockResult, error) {
	start := time.Now()
	telemetry.BlockSize.Set(float64(numTxns))

	var (
		res *BlockResult
		err error
	)
	if e.opts.Concurrency <= 1 {
		res, err = e.executeSequential(ctx, numTxns)
	} else {
		res, err = e.executeParallel(ctx, numTxns)
	}

	switch {
	case err != nil:
		telemetry.BlocksTotal.With("failed").Inc()
	case res.Truncated:
		telemetry.BlocksTotal.With("truncated").Inc()
	default:
		telemetry.BlocksTotal.With("complete").Inc()
	}
	telemetry.BlockDurationSeconds.Observe(time.Since(start).Seconds())
	return res, err
}

func (e *ParallelExecutor) executeParallel(ctx context.Context, numTxns int) (*BlockResult, error) {
	run := newBlockRun(e, numTxns)
	e.current.Store(run)
	defer e.current.Store(nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			run.sched.Halt()
		case <-stop:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < e.opts.Concurrency; w++ {
		g.Go(func() error {
			telemetry.ActiveWorkers.Inc()
			defer telemetry.ActiveWorkers.Dec()
			return run.work(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if run.commitErr != nil {
		return nil, run.commitErr
	}

	res := run.result()
	log.Debug().
		Int("txns", numTxns).
		Int("committed", res.Committed).
		Bool("truncated", res.Truncated).
		Int64("executions", res.Stats.Executions).
		Int64("aborts", res.Stats.Aborts).
		Msg("Block executed")
	return res, nil
}

// Progress reports the running block for the metrics collector.
func (e *ParallelExecutor) Progress() (committed, total int, wave uint32, ok bool) {
	run := e.current.Load()
	if run == nil {
		return 0, 0, 0, false
	}
	_, _, w := run.sched.Cursors()
	return int(run.sched.Committed()), run.sched.NumTxns(), uint32(w), true
}

func wrapVMError(idx scheduler.TxnIndex, err error) error {
	return fmt.Errorf("transaction %d: %w", idx, err)
}
