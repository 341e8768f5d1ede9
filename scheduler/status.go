package scheduler

import (
	"sync"

	"github.com/jizhuozhi/go-future"
)

// txnStatus is one cell of the status table. The waiters are workers
// blocked on this transaction producing its writes.
type txnStatus struct {
	mu          sync.Mutex
	status      ExecutionStatus
	incarnation Incarnation
	waiters     []*future.Promise[DependencyStatus]
}

// validationStatus is one cell of the validation tracking table.
//
// maxTriggeredWave is the newest wave this transaction started by rewinding
// the validation cursor past itself. It becomes a floor for every later
// transaction once this one commits.
type validationStatus struct {
	mu               sync.Mutex
	requiredWave     Wave
	maxTriggeredWave Wave
	validatedWave    Wave
	validated        bool
}

func (s *Scheduler) tryIncarnate(idx TxnIndex) (Incarnation, bool) {
	st := &s.txnStatus[idx]
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != ReadyToExecute {
		return 0, false
	}
	st.status = Executing
	return st.incarnation, true
}

func (s *Scheduler) executedIncarnation(idx TxnIndex) (Incarnation, bool) {
	st := &s.txnStatus[idx]
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != Executed {
		return 0, false
	}
	return st.incarnation, true
}

// setExecuted moves Executing(inc) to Executed(inc) and hands back the
// waiters to wake.
func (s *Scheduler) setExecuted(idx TxnIndex, inc Incarnation) []*future.Promise[DependencyStatus] {
	st := &s.txnStatus[idx]
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != Executing || st.incarnation != inc {
		violation("FinishExecution", Version{idx, inc}, st.status, st.incarnation)
	}
	st.status = Executed
	waiters := st.waiters
	st.waiters = nil
	return waiters
}

// setReadyForNextIncarnation moves Aborting(inc) to ReadyToExecute(inc+1).
func (s *Scheduler) setReadyForNextIncarnation(idx TxnIndex, inc Incarnation) []*future.Promise[DependencyStatus] {
	st := &s.txnStatus[idx]
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != Aborting || st.incarnation != inc {
		violation("FinishAbort", Version{idx, inc}, st.status, st.incarnation)
	}
	st.status = ReadyToExecute
	st.incarnation = inc + 1
	waiters := st.waiters
	st.waiters = nil
	return waiters
}

// Status returns the lifecycle state and incarnation of a transaction.
func (s *Scheduler) Status(idx TxnIndex) (ExecutionStatus, Incarnation) {
	s.checkIndex("Status", idx)
	st := &s.txnStatus[idx]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, st.incarnation
}
