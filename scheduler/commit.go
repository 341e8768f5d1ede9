package scheduler

import "github.com/maxpert/blockstm/telemetry"

// TryCommit commits the transaction at the commit cursor if it is Executed,
// the validation sweep has passed it, and it was validated at a wave no
// older than both its own required wave and the rolling commit wave.
//
// The commit wave is raised to the newest wave triggered by each transaction
// the cursor reaches, so a rewind caused by i binds every transaction after
// i without touching them individually.
func (s *Scheduler) TryCommit() (TxnIndex, bool) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.halted.Load() || s.commitIdx >= s.numTxns {
		return 0, false
	}
	idx := TxnIndex(s.commitIdx)

	vs := &s.validationStatus[idx]
	vs.mu.Lock()
	defer vs.mu.Unlock()

	st := &s.txnStatus[idx]
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status != Executed {
		return 0, false
	}

	if vs.maxTriggeredWave > s.commitWave {
		s.commitWave = vs.maxTriggeredWave
	}
	required := max(s.commitWave, vs.requiredWave)
	if !vs.validated || vs.validatedWave < required {
		return 0, false
	}
	if valIdx, _ := unpackValidationIdx(s.validationIdx.Load()); idx >= valIdx {
		return 0, false
	}

	st.status = Committed
	s.commitIdx++
	s.committed.Store(s.commitIdx)
	telemetry.CommitsTotal.Inc()
	if s.commitIdx == s.numTxns {
		s.done.Store(true)
	}
	return idx, true
}

// CommitState returns the number of committed transactions and the commit
// wave at the last commit attempt.
func (s *Scheduler) CommitState() (uint32, Wave) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.commitIdx, s.commitWave
}

// Committed returns the number of committed transactions without taking the
// commit lock.
func (s *Scheduler) Committed() uint32 {
	return s.committed.Load()
}
