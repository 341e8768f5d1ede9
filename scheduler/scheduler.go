// Package scheduler coordinates optimistic parallel execution of an ordered
// block of transactions.
//
// Workers pull tasks with NextTask, execute or validate the named version
// against their own memory, and report back. The scheduler guarantees that
// the committed result equals executing the block sequentially in index
// order: an execution of (i, k) is handed out at most once, incarnations only
// grow, and a transaction commits only after it was validated at a wave no
// older than every rewind that could have affected it.
package scheduler

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/maxpert/blockstm/telemetry"
	"github.com/rs/zerolog/log"
)

// Scheduler holds the per-block state. Create one per block with New.
type Scheduler struct {
	numTxns uint32

	txnStatus        []txnStatus
	validationStatus []validationStatus

	executionIdx  atomic.Uint32
	validationIdx atomic.Uint64 // packed (wave, index)

	commitMu   sync.Mutex
	commitIdx  uint32
	commitWave Wave
	// committed mirrors commitIdx for lock-free readers.
	committed atomic.Uint32

	executionWindow uint32

	done   atomic.Bool
	halted atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithExecutionWindow bounds speculation when NextTask is called with
// executingUntilLimit set: no execution is dispatched for an index at or
// beyond commit_idx + window. Zero disables the bound.
func WithExecutionWindow(window int) Option {
	return func(s *Scheduler) {
		if window > 0 {
			s.executionWindow = uint32(window)
		}
	}
}

// New creates a scheduler for a block of numTxns transactions, all in
// ReadyToExecute(0).
func New(numTxns int, opts ...Option) *Scheduler {
	if numTxns < 0 || uint64(numTxns) >= math.MaxUint32 {
		panic("scheduler: block size out of range")
	}
	s := &Scheduler{
		numTxns:          uint32(numTxns),
		txnStatus:        make([]txnStatus, numTxns),
		validationStatus: make([]validationStatus, numTxns),
	}
	for _, opt := range opts {
		opt(s)
	}
	if numTxns == 0 {
		s.done.Store(true)
	}
	return s
}

// NumTxns returns the block size.
func (s *Scheduler) NumTxns() int {
	return int(s.numTxns)
}

// NextTask returns the next unit of work for the calling worker.
//
// Executions are preferred; validations are only handed out for indices the
// execution cursor has already passed. TaskNone means the caller should poll
// again (after draining commits or backing off); TaskDone ends the worker.
func (s *Scheduler) NextTask(executingUntilLimit bool) Task {
	for {
		if s.done.Load() {
			return doneTask
		}

		execIdx := s.executionIdx.Load()
		if execIdx < s.numTxns && s.withinWindow(execIdx, executingUntilLimit) {
			if s.executionIdx.CompareAndSwap(execIdx, execIdx+1) {
				if inc, ok := s.tryIncarnate(TxnIndex(execIdx)); ok {
					return executionTask(TxnIndex(execIdx), inc)
				}
			}
			continue
		}

		packed := s.validationIdx.Load()
		valIdx, wave := unpackValidationIdx(packed)
		if uint32(valIdx) < min(execIdx, s.numTxns) {
			// CAS rather than fetch-add: the claimed slot must belong to the
			// wave that was read alongside it.
			if s.validationIdx.CompareAndSwap(packed, packValidationIdx(valIdx+1, wave)) {
				if inc, ok := s.executedIncarnation(valIdx); ok {
					return validationTask(valIdx, inc, wave)
				}
			}
			continue
		}

		return noTask
	}
}

func (s *Scheduler) withinWindow(execIdx uint32, executingUntilLimit bool) bool {
	if !executingUntilLimit || s.executionWindow == 0 {
		return true
	}
	return uint64(execIdx) < uint64(s.committed.Load())+uint64(s.executionWindow)
}

// FinishExecution records that (idx, inc) finished executing and wakes the
// workers waiting on it.
//
// revalidateSuffix must be set when the incarnation wrote a key its previous
// incarnation did not write; every higher transaction is then scheduled for
// revalidation under a new wave. If the validation cursor is already past
// idx, the validation of idx itself is returned to the caller directly.
func (s *Scheduler) FinishExecution(idx TxnIndex, inc Incarnation, revalidateSuffix bool) Task {
	s.checkIndex("FinishExecution", idx)

	// Held throughout so no validation of idx can slip in between the status
	// change and the required wave update.
	vs := &s.validationStatus[idx]
	vs.mu.Lock()
	defer vs.mu.Unlock()

	waiters := s.setExecuted(idx, inc)
	resume(waiters, DependencyResolved)
	vs.validated = false

	if s.halted.Load() {
		return noTask
	}

	valIdx, curWave := unpackValidationIdx(s.validationIdx.Load())
	if valIdx <= idx {
		// The validation sweep has not reached idx; it will pick it up.
		return noTask
	}

	if revalidateSuffix {
		if wave, ok := s.decreaseValidationIdx(idx + 1); ok {
			curWave = wave
			vs.maxTriggeredWave = wave
		}
	}
	vs.requiredWave = curWave
	return validationTask(idx, inc, curWave)
}

// TryAbort moves Executed(inc) to Aborting(inc). Among concurrent validators
// of the same version exactly one wins; the others get false.
func (s *Scheduler) TryAbort(idx TxnIndex, inc Incarnation) bool {
	s.checkIndex("TryAbort", idx)
	st := &s.txnStatus[idx]
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != Executed || st.incarnation != inc {
		return false
	}
	st.status = Aborting
	telemetry.AbortsTotal.Inc()
	return true
}

// FinishAbort completes an abort won by TryAbort: the transaction becomes
// ReadyToExecute(inc+1), every higher transaction is scheduled for
// revalidation and the execution cursor is rewound to idx. If the execution
// cursor was already past idx, the re-execution is handed to the caller.
func (s *Scheduler) FinishAbort(idx TxnIndex, inc Incarnation) Task {
	s.checkIndex("FinishAbort", idx)

	vs := &s.validationStatus[idx]
	vs.mu.Lock()
	defer vs.mu.Unlock()

	waiters := s.setReadyForNextIncarnation(idx, inc)
	resume(waiters, DependencyResolved)
	vs.validated = false
	// Recorded under the lock: idx+1 must not commit before the new wave is
	// known to be triggered by idx.
	if wave, ok := s.decreaseValidationIdx(idx + 1); ok {
		vs.maxTriggeredWave = wave
	}

	prevExecIdx := s.decreaseExecutionIdx(idx)
	if prevExecIdx > uint32(idx) && !s.halted.Load() {
		// Whoever incarnates first gets the task; if the cursor sweep beat
		// us there is nothing to return.
		if newInc, ok := s.tryIncarnate(idx); ok {
			return executionTask(idx, newInc)
		}
	}
	return noTask
}

// FinishValidation records that version was found valid at wave. Reports
// for an incarnation that is no longer the executed one are dropped.
func (s *Scheduler) FinishValidation(version Version, wave Wave) {
	s.checkIndex("FinishValidation", version.Index)

	vs := &s.validationStatus[version.Index]
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if inc, ok := s.executedIncarnation(version.Index); !ok || inc != version.Incarnation {
		return
	}
	if !vs.validated || wave > vs.validatedWave {
		vs.validatedWave = wave
	}
	vs.validated = true
}

// Halt stops the block: no further tasks or commits are handed out and every
// waiting worker is woken with DependencyHalted. Returns false if the block
// was already halted.
func (s *Scheduler) Halt() bool {
	if !s.halted.CompareAndSwap(false, true) {
		return false
	}
	s.done.Store(true)

	for i := range s.txnStatus {
		st := &s.txnStatus[i]
		st.mu.Lock()
		waiters := st.waiters
		st.waiters = nil
		st.mu.Unlock()
		resume(waiters, DependencyHalted)
	}

	log.Debug().Uint32("num_txns", s.numTxns).Msg("Scheduler halted")
	return true
}

// IsHalted reports whether Halt was called.
func (s *Scheduler) IsHalted() bool {
	return s.halted.Load()
}

// Done reports whether every transaction committed or the block was halted.
func (s *Scheduler) Done() bool {
	return s.done.Load()
}

func (s *Scheduler) checkIndex(op string, idx TxnIndex) {
	if uint32(idx) >= s.numTxns {
		violationf(op, Version{Index: idx}, "index out of range for block of %d", s.numTxns)
	}
}
