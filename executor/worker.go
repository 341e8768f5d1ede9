package executor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/scheduler"
	"github.com/maxpert/blockstm/telemetry"
)

var errUnblockedDependency = errors.New("read dependency reported without a blocked read")

// blockRun is the state shared by the workers of one block.
type blockRun struct {
	e     *ParallelExecutor
	sched *scheduler.Scheduler
	mem   *mvmemory.MVMemory
	stats *Stats

	// Output of the last finished execution per transaction. While a
	// transaction is Executed this is the output of that incarnation.
	outputs []atomic.Pointer[Output]

	// Guarded by commitMu; only one worker drains at a time.
	commitMu  sync.Mutex
	committed []*Output
	gasUsed   uint64
	commitErr error

	limited bool
}

func newBlockRun(e *ParallelExecutor, numTxns int) *blockRun {
	var opts []scheduler.Option
	if e.opts.BlockGasLimit > 0 {
		opts = append(opts, scheduler.WithExecutionWindow(e.opts.ExecutionWindow))
	}
	return &blockRun{
		e:         e,
		sched:     scheduler.New(numTxns, opts...),
		mem:       mvmemory.New(numTxns),
		stats:     newStats(),
		outputs:   make([]atomic.Pointer[Output], numTxns),
		committed: make([]*Output, 0, numTxns),
		limited:   e.opts.BlockGasLimit > 0,
	}
}

func (r *blockRun) work(ctx context.Context) error {
	task := r.sched.NextTask(r.limited)
	for {
		if err := ctx.Err(); err != nil {
			r.sched.Halt()
			return err
		}

		switch task.Kind {
		case scheduler.TaskExecution:
			task = r.execute(ctx, task.Version)
		case scheduler.TaskValidation:
			task = r.validate(task)
		case scheduler.TaskNone:
			if !r.drainCommits() {
				r.idle()
			}
			task = r.sched.NextTask(r.limited)
		case scheduler.TaskDone:
			// The last commit may have been made by this worker's own
			// validation; make sure nothing is left behind.
			r.drainCommits()
			return nil
		}
	}
}

func (r *blockRun) idle() {
	if d := r.e.opts.IdleBackoff; d > 0 {
		time.Sleep(d)
		return
	}
	runtime.Gosched()
}

// execute runs version until it completes without hitting an estimate. A
// dependency suspends the worker; the incarnation stays Executing and is
// re-run once the dependency resolves. A VM error is recorded as the
// output of the incarnation and only surfaces if that output commits.
func (r *blockRun) execute(ctx context.Context, v scheduler.Version) scheduler.Task {
	for {
		start := time.Now()
		view := &mvView{mem: r.mem, base: r.e.base, txn: v.Index}
		out, err := r.e.vm.Execute(ctx, int(v.Index), view)
		r.stats.Executions.Inc()
		telemetry.TaskDurationSeconds.With("execution").Observe(time.Since(start).Seconds())

		if view.blocked {
			telemetry.TasksTotal.With("execution", "dependency").Inc()
			if sig := r.sched.WaitForDependency(v.Index, view.blocking); sig != nil {
				r.stats.DependencyWaits.Inc()
				if sig.Wait() == scheduler.DependencyHalted {
					return scheduler.Task{Kind: scheduler.TaskNone}
				}
			}
			continue
		}
		if err != nil {
			if errors.Is(err, ErrReadDependency) {
				// Reported without a blocked read; nothing to wait on.
				err = errUnblockedDependency
			}
			out = &Output{Err: err}
		}
		if out == nil {
			out = &Output{}
		}

		if out.Err != nil {
			telemetry.TasksTotal.With("execution", "error").Inc()
		} else {
			telemetry.TasksTotal.With("execution", "ok").Inc()
		}
		r.outputs[v.Index].Store(out)
		wroteNew := r.mem.Record(v, view.reads, out.Writes)
		return r.sched.FinishExecution(v.Index, v.Incarnation, wroteNew)
	}
}

func (r *blockRun) validate(task scheduler.Task) scheduler.Task {
	v := task.Version
	start := time.Now()
	valid := r.mem.ValidateReadSet(v.Index)
	r.stats.Validations.Inc()
	telemetry.TaskDurationSeconds.With("validation").Observe(time.Since(start).Seconds())

	if valid {
		telemetry.TasksTotal.With("validation", "ok").Inc()
		r.sched.FinishValidation(v, task.Wave)
		return scheduler.Task{Kind: scheduler.TaskNone}
	}

	telemetry.TasksTotal.With("validation", "conflict").Inc()
	if !r.sched.TryAbort(v.Index, v.Incarnation) {
		return scheduler.Task{Kind: scheduler.TaskNone}
	}
	r.stats.Aborts.Inc()
	r.mem.ConvertWritesToEstimates(v.Index)
	return r.sched.FinishAbort(v.Index, v.Incarnation)
}

// drainCommits commits as many transactions as are eligible. Returns true
// if anything was committed. Another worker already draining makes this a
// no-op.
func (r *blockRun) drainCommits() bool {
	if !r.commitMu.TryLock() {
		return false
	}
	defer r.commitMu.Unlock()

	progressed := false
	for {
		idx, ok := r.sched.TryCommit()
		if !ok {
			return progressed
		}
		progressed = true

		out := r.outputs[idx].Load()
		if out.Err != nil {
			r.commitErr = wrapVMError(idx, out.Err)
			r.sched.Halt()
			return progressed
		}
		r.committed = append(r.committed, out)
		r.gasUsed += out.Gas
		_, inc := r.sched.Status(idx)
		telemetry.CommittedIncarnations.Observe(float64(inc + 1))

		if hook := r.e.opts.CommitHook; hook != nil {
			if err := hook(int(idx), out); err != nil {
				r.commitErr = wrapVMError(idx, err)
				r.sched.Halt()
				return progressed
			}
		}

		if limit := r.e.opts.BlockGasLimit; limit > 0 && r.gasUsed >= limit {
			if int(idx)+1 < r.sched.NumTxns() {
				r.sched.Halt()
			}
			return progressed
		}
	}
}

func (r *blockRun) result() *BlockResult {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	n := len(r.committed)
	res := &BlockResult{
		Outputs:   r.committed,
		Committed: n,
		Truncated: n < r.sched.NumTxns(),
		GasUsed:   r.gasUsed,
		Stats:     r.stats.Snapshot(),
	}
	if res.Truncated {
		res.Writes = r.mem.SnapshotBefore(scheduler.TxnIndex(n))
	} else {
		res.Writes = r.mem.Snapshot()
	}
	return res
}
