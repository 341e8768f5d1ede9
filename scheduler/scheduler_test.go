package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireTask(t *testing.T, got Task, kind TaskKind, idx TxnIndex, inc Incarnation) {
	t.Helper()
	require.Equal(t, kind, got.Kind, "task %s", got)
	require.Equal(t, Version{Index: idx, Incarnation: inc}, got.Version, "task %s", got)
}

func TestScheduler_Basic(t *testing.T) {
	s := New(3)

	for i := 0; i < 3; i++ {
		requireTask(t, s.NextTask(false), TaskExecution, TxnIndex(i), 0)
	}

	// The validation sweep has not started, so nothing is handed back.
	for i := 0; i < 3; i++ {
		require.Equal(t, TaskNone, s.FinishExecution(TxnIndex(i), 0, true).Kind)
	}

	var validations []Task
	for i := 0; i < 3; i++ {
		task := s.NextTask(false)
		requireTask(t, task, TaskValidation, TxnIndex(i), 0)
		require.Equal(t, Wave(0), task.Wave)
		validations = append(validations, task)
	}
	require.Equal(t, TaskNone, s.NextTask(false).Kind)

	for _, task := range validations {
		s.FinishValidation(task.Version, task.Wave)
	}

	for i := 0; i < 3; i++ {
		idx, ok := s.TryCommit()
		require.True(t, ok)
		require.Equal(t, TxnIndex(i), idx)
	}
	_, ok := s.TryCommit()
	require.False(t, ok)

	require.Equal(t, TaskDone, s.NextTask(false).Kind)
	require.True(t, s.Done())
	require.False(t, s.IsHalted())

	for i := 0; i < 3; i++ {
		status, inc := s.Status(TxnIndex(i))
		require.Equal(t, Committed, status)
		require.Equal(t, Incarnation(0), inc)
	}
}

func TestScheduler_ValidationHandedBackWhenCursorPassed(t *testing.T) {
	s := New(3)
	for i := 0; i < 3; i++ {
		requireTask(t, s.NextTask(false), TaskExecution, TxnIndex(i), 0)
	}

	// Sweep past every entry while they are still executing.
	require.Equal(t, TaskNone, s.NextTask(false).Kind)
	_, valIdx, wave := s.Cursors()
	require.Equal(t, uint32(3), valIdx)
	require.Equal(t, Wave(0), wave)

	task := s.FinishExecution(0, 0, true)
	requireTask(t, task, TaskValidation, 0, 0)
	require.Equal(t, Wave(1), task.Wave)
	_, valIdx, wave = s.Cursors()
	require.Equal(t, uint32(1), valIdx)
	require.Equal(t, Wave(1), wave)

	// Cursor sits at 1, so 1 is picked up by the sweep instead.
	require.Equal(t, TaskNone, s.FinishExecution(1, 0, false).Kind)
	requireTask(t, s.NextTask(false), TaskValidation, 1, 0)
}

func TestScheduler_EmptyBlock(t *testing.T) {
	s := New(0)
	require.True(t, s.Done())
	require.Equal(t, TaskDone, s.NextTask(false).Kind)
	_, ok := s.TryCommit()
	require.False(t, ok)
}

func TestScheduler_Incarnation(t *testing.T) {
	s := New(3)
	for i := 0; i < 3; i++ {
		requireTask(t, s.NextTask(false), TaskExecution, TxnIndex(i), 0)
		s.FinishExecution(TxnIndex(i), 0, true)
	}

	var validations []Task
	for i := 0; i < 3; i++ {
		validations = append(validations, s.NextTask(false))
	}
	s.FinishValidation(validations[0].Version, validations[0].Wave)
	s.FinishValidation(validations[2].Version, validations[2].Wave)

	// Validation of 1 failed. Only one of two racing validators wins.
	require.True(t, s.TryAbort(1, 0))
	require.False(t, s.TryAbort(1, 0))
	status, inc := s.Status(1)
	require.Equal(t, Aborting, status)
	require.Equal(t, Incarnation(0), inc)

	requireTask(t, s.FinishAbort(1, 0), TaskExecution, 1, 1)
	status, inc = s.Status(1)
	require.Equal(t, Executing, status)
	require.Equal(t, Incarnation(1), inc)

	// A late report for the aborted incarnation is ignored.
	s.FinishValidation(Version{Index: 1, Incarnation: 0}, 0)
	require.False(t, s.TryAbort(1, 0))

	idx, ok := s.TryCommit()
	require.True(t, ok)
	require.Equal(t, TxnIndex(0), idx)
	_, ok = s.TryCommit()
	require.False(t, ok, "transaction 1 is executing")

	task := s.FinishExecution(1, 1, false)
	requireTask(t, task, TaskValidation, 1, 1)
	require.Equal(t, Wave(1), task.Wave)
	s.FinishValidation(task.Version, task.Wave)

	idx, ok = s.TryCommit()
	require.True(t, ok)
	require.Equal(t, TxnIndex(1), idx)

	// 2 was validated at wave 0, before 1's re-execution. The abort of 1
	// started wave 1, which now binds 2.
	_, ok = s.TryCommit()
	require.False(t, ok)
	_, wave := s.CommitState()
	require.Equal(t, Wave(1), wave)

	task = s.NextTask(false)
	requireTask(t, task, TaskValidation, 2, 0)
	require.Equal(t, Wave(1), task.Wave)
	s.FinishValidation(task.Version, task.Wave)

	idx, ok = s.TryCommit()
	require.True(t, ok)
	require.Equal(t, TxnIndex(2), idx)
	require.Equal(t, TaskDone, s.NextTask(false).Kind)

	_, inc = s.Status(1)
	require.Equal(t, Incarnation(1), inc)
}

func TestScheduler_FinishAbortWithoutDirectTask(t *testing.T) {
	s := New(2)
	requireTask(t, s.NextTask(false), TaskExecution, 0, 0)
	s.FinishExecution(0, 0, false)

	// Pretend the cursor was rewound to 0 by an earlier abort.
	s.executionIdx.Store(0)

	require.True(t, s.TryAbort(0, 0))
	require.Equal(t, TaskNone, s.FinishAbort(0, 0).Kind)
	requireTask(t, s.NextTask(false), TaskExecution, 0, 1)
}

func TestScheduler_RollingCommitWave(t *testing.T) {
	s := New(4)
	for i := 0; i < 4; i++ {
		requireTask(t, s.NextTask(false), TaskExecution, TxnIndex(i), 0)
	}
	// Sweep past all four while executing.
	require.Equal(t, TaskNone, s.NextTask(false).Kind)

	// 3 finishes first and validates at wave 0 via direct hand-back.
	task := s.FinishExecution(3, 0, false)
	requireTask(t, task, TaskValidation, 3, 0)
	require.Equal(t, Wave(0), task.Wave)
	s.FinishValidation(task.Version, task.Wave)

	// 0 writes a new location: every later transaction needs wave 1.
	task = s.FinishExecution(0, 0, true)
	require.Equal(t, Wave(1), task.Wave)
	s.FinishValidation(task.Version, task.Wave)

	for i := 1; i < 3; i++ {
		task = s.FinishExecution(TxnIndex(i), 0, false)
		if task.Kind == TaskNone {
			task = s.NextTask(false)
		}
		requireTask(t, task, TaskValidation, TxnIndex(i), 0)
		require.Equal(t, Wave(1), task.Wave)
		s.FinishValidation(task.Version, task.Wave)
	}

	for i := 0; i < 3; i++ {
		idx, ok := s.TryCommit()
		require.True(t, ok)
		require.Equal(t, TxnIndex(i), idx)
	}

	// 3's wave 0 validation predates 0's new write.
	_, ok := s.TryCommit()
	require.False(t, ok)

	task = s.NextTask(false)
	requireTask(t, task, TaskValidation, 3, 0)
	require.GreaterOrEqual(t, task.Wave, Wave(1))
	s.FinishValidation(task.Version, task.Wave)

	idx, ok := s.TryCommit()
	require.True(t, ok)
	require.Equal(t, TxnIndex(3), idx)
}

func TestScheduler_StaleValidationDoesNotAuthorizeCommit(t *testing.T) {
	s := New(1)
	requireTask(t, s.NextTask(false), TaskExecution, 0, 0)
	s.FinishExecution(0, 0, false)
	stale := s.NextTask(false)
	requireTask(t, stale, TaskValidation, 0, 0)

	require.True(t, s.TryAbort(0, 0))
	s.FinishAbort(0, 0)
	s.FinishValidation(stale.Version, stale.Wave)

	_, ok := s.TryCommit()
	require.False(t, ok)
}

func TestScheduler_CommitStateIdempotent(t *testing.T) {
	s := New(2)
	requireTask(t, s.NextTask(false), TaskExecution, 0, 0)
	s.FinishExecution(0, 0, false)
	task := s.NextTask(false)
	requireTask(t, task, TaskExecution, 1, 0)

	task = s.NextTask(false)
	s.FinishValidation(task.Version, task.Wave)
	_, ok := s.TryCommit()
	require.True(t, ok)

	idx1, wave1 := s.CommitState()
	idx2, wave2 := s.CommitState()
	assert.Equal(t, idx1, idx2)
	assert.Equal(t, wave1, wave2)
	assert.Equal(t, uint32(1), idx1)
	assert.Equal(t, uint32(1), s.Committed())
}

func TestScheduler_ExecutionWindow(t *testing.T) {
	s := New(5, WithExecutionWindow(2))

	requireTask(t, s.NextTask(true), TaskExecution, 0, 0)
	requireTask(t, s.NextTask(true), TaskExecution, 1, 0)
	require.Equal(t, TaskNone, s.NextTask(true).Kind)

	// Without the limit flag the window does not apply.
	requireTask(t, s.NextTask(false), TaskExecution, 2, 0)

	task := s.FinishExecution(0, 0, false)
	requireTask(t, task, TaskValidation, 0, 0)
	s.FinishValidation(task.Version, task.Wave)
	_, ok := s.TryCommit()
	require.True(t, ok)

	// One commit widens the window to indices below 3, and 2 is already out.
	require.Equal(t, TaskNone, s.NextTask(true).Kind)
	s.FinishExecution(1, 0, false)
	s.FinishExecution(2, 0, false)
}

func TestScheduler_Halt(t *testing.T) {
	s := New(3)
	requireTask(t, s.NextTask(false), TaskExecution, 0, 0)
	requireTask(t, s.NextTask(false), TaskExecution, 1, 0)

	require.True(t, s.Halt())
	require.False(t, s.Halt())
	require.True(t, s.IsHalted())
	require.True(t, s.Done())
	require.Equal(t, TaskDone, s.NextTask(false).Kind)

	// In-flight work may still report; nothing new is handed out.
	require.Equal(t, TaskNone, s.FinishExecution(0, 0, true).Kind)
	require.True(t, s.TryAbort(0, 0))
	require.Equal(t, TaskNone, s.FinishAbort(0, 0).Kind)

	_, ok := s.TryCommit()
	require.False(t, ok)
	idx, _ := s.CommitState()
	require.Equal(t, uint32(0), idx)
}

func TestScheduler_ProtocolViolations(t *testing.T) {
	requireViolation := func(t *testing.T, fn func()) {
		t.Helper()
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a panic")
			err, ok := r.(*ProtocolViolation)
			require.True(t, ok, "unexpected panic value %v", r)
			require.NotEmpty(t, err.Error())
		}()
		fn()
	}

	t.Run("finish execution of stale incarnation", func(t *testing.T) {
		s := New(2)
		s.NextTask(false)
		requireViolation(t, func() { s.FinishExecution(0, 1, false) })
	})

	t.Run("finish execution twice", func(t *testing.T) {
		s := New(2)
		s.NextTask(false)
		s.FinishExecution(0, 0, false)
		requireViolation(t, func() { s.FinishExecution(0, 0, false) })
	})

	t.Run("finish abort without winning", func(t *testing.T) {
		s := New(2)
		s.NextTask(false)
		s.FinishExecution(0, 0, false)
		requireViolation(t, func() { s.FinishAbort(0, 0) })
	})

	t.Run("forward dependency", func(t *testing.T) {
		s := New(3)
		requireViolation(t, func() { s.WaitForDependency(1, 1) })
		requireViolation(t, func() { s.WaitForDependency(1, 2) })
	})

	t.Run("index out of range", func(t *testing.T) {
		s := New(2)
		requireViolation(t, func() { s.Status(2) })
		requireViolation(t, func() { s.TryAbort(5, 0) })
	})
}

func TestTaskString(t *testing.T) {
	assert.Equal(t, "ExecutionTask(1,2)", executionTask(1, 2).String())
	assert.Equal(t, "ValidationTask((3,0),4)", validationTask(3, 0, 4).String())
	assert.Equal(t, "NONE", noTask.String())
	assert.Equal(t, "DONE", doneTask.String())
	assert.Equal(t, "EXECUTED", Executed.String())
}
