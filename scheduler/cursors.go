package scheduler

import "github.com/maxpert/blockstm/telemetry"

// The validation cursor and the wave share one 64-bit word so that a rewind
// and the wave bump it causes are a single CAS: wave in the high half,
// transaction index in the low half.

func packValidationIdx(idx TxnIndex, wave Wave) uint64 {
	return uint64(wave)<<32 | uint64(idx)
}

func unpackValidationIdx(packed uint64) (TxnIndex, Wave) {
	return TxnIndex(uint32(packed)), Wave(packed >> 32)
}

// decreaseExecutionIdx lowers the execution cursor to target if it is above
// it and returns the value observed before the call.
func (s *Scheduler) decreaseExecutionIdx(target TxnIndex) uint32 {
	for {
		cur := s.executionIdx.Load()
		if cur <= uint32(target) {
			return cur
		}
		if s.executionIdx.CompareAndSwap(cur, uint32(target)) {
			return cur
		}
	}
}

// decreaseValidationIdx lowers the validation cursor to target and starts a
// new wave. Returns false when the cursor was already at or below target.
func (s *Scheduler) decreaseValidationIdx(target TxnIndex) (Wave, bool) {
	for {
		cur := s.validationIdx.Load()
		idx, wave := unpackValidationIdx(cur)
		if idx <= target {
			return 0, false
		}
		if s.validationIdx.CompareAndSwap(cur, packValidationIdx(target, wave+1)) {
			telemetry.ValidationWave.Set(float64(wave + 1))
			return wave + 1, true
		}
	}
}

// Cursors returns the execution cursor, the validation cursor and the
// current wave.
func (s *Scheduler) Cursors() (execIdx uint32, valIdx uint32, wave Wave) {
	v, w := unpackValidationIdx(s.validationIdx.Load())
	return s.executionIdx.Load(), uint32(v), w
}
