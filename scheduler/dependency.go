package scheduler

import (
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/blockstm/telemetry"
)

// ResumeSignal is handed to a worker that must wait for a lower transaction
// to produce its writes.
type ResumeSignal struct {
	future *future.Future[DependencyStatus]
}

// Wait blocks until the dependency left Executing/Aborting or the block was
// halted. A resolved signal does not guarantee the read now succeeds: the
// caller re-executes and may have to wait again.
func (r *ResumeSignal) Wait() DependencyStatus {
	status, err := r.future.Get()
	if err != nil {
		return DependencyHalted
	}
	return status
}

// WaitForDependency registers the worker executing idx as waiting on dep.
// It returns nil when dep is already Executed (or Committed), in which case
// the caller should simply re-read.
//
// dep must be lower than idx; dependencies never point forward.
func (s *Scheduler) WaitForDependency(idx, dep TxnIndex) *ResumeSignal {
	s.checkIndex("WaitForDependency", idx)
	if dep >= idx {
		violationf("WaitForDependency", Version{Index: idx}, "dependency %d is not lower than the waiting transaction", dep)
	}

	st := &s.txnStatus[dep]
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status == Executed || st.status == Committed {
		return nil
	}

	promise := future.NewPromise[DependencyStatus]()
	// Halt sets the flag before draining, so under this lock either the flag
	// is visible or the drain of this entry is still to come.
	if s.halted.Load() {
		promise.Set(DependencyHalted, nil)
		return &ResumeSignal{future: promise.Future()}
	}

	st.waiters = append(st.waiters, promise)
	telemetry.DependencyWaitsTotal.Inc()
	return &ResumeSignal{future: promise.Future()}
}

func resume(waiters []*future.Promise[DependencyStatus], status DependencyStatus) {
	for _, p := range waiters {
		p.Set(status, nil)
	}
}
