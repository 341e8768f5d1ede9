package scheduler

import "fmt"

// TxnIndex is the position of a transaction in its block.
type TxnIndex uint32

// Incarnation counts execution attempts of a single transaction.
type Incarnation uint32

// Wave identifies a validation epoch. It grows every time a re-execution
// forces the validation cursor backward.
type Wave uint32

// Version names one execution attempt of a transaction.
type Version struct {
	Index       TxnIndex
	Incarnation Incarnation
}

func (v Version) String() string {
	return fmt.Sprintf("(%d,%d)", v.Index, v.Incarnation)
}

// ExecutionStatus is the lifecycle state of a transaction.
type ExecutionStatus uint8

const (
	ReadyToExecute ExecutionStatus = iota
	Executing
	Executed
	Aborting
	Committed
)

func (s ExecutionStatus) String() string {
	switch s {
	case ReadyToExecute:
		return "READY_TO_EXECUTE"
	case Executing:
		return "EXECUTING"
	case Executed:
		return "EXECUTED"
	case Aborting:
		return "ABORTING"
	case Committed:
		return "COMMITTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// TaskKind discriminates Task.
type TaskKind uint8

const (
	// TaskNone means nothing is available right now; poll again.
	TaskNone TaskKind = iota
	// TaskExecution asks the worker to execute Task.Version.
	TaskExecution
	// TaskValidation asks the worker to validate Task.Version at Task.Wave.
	TaskValidation
	// TaskDone means the block is finished (fully committed or halted).
	TaskDone
)

func (k TaskKind) String() string {
	switch k {
	case TaskNone:
		return "NONE"
	case TaskExecution:
		return "EXECUTION"
	case TaskValidation:
		return "VALIDATION"
	case TaskDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Task is a unit of work handed to a worker. Version is set for execution
// and validation tasks, Wave only for validation tasks.
type Task struct {
	Kind    TaskKind
	Version Version
	Wave    Wave
}

var (
	noTask   = Task{Kind: TaskNone}
	doneTask = Task{Kind: TaskDone}
)

func executionTask(idx TxnIndex, inc Incarnation) Task {
	return Task{Kind: TaskExecution, Version: Version{Index: idx, Incarnation: inc}}
}

func validationTask(idx TxnIndex, inc Incarnation, wave Wave) Task {
	return Task{Kind: TaskValidation, Version: Version{Index: idx, Incarnation: inc}, Wave: wave}
}

func (t Task) String() string {
	switch t.Kind {
	case TaskExecution:
		return fmt.Sprintf("ExecutionTask%s", t.Version)
	case TaskValidation:
		return fmt.Sprintf("ValidationTask(%s,%d)", t.Version, t.Wave)
	default:
		return t.Kind.String()
	}
}

// DependencyStatus is the value a ResumeSignal resolves with.
type DependencyStatus uint8

const (
	// DependencyResolved means the awaited transaction left Executing or
	// Aborting. The waiter must re-check its read; the dependency may have
	// been invalidated again in the meantime.
	DependencyResolved DependencyStatus = iota
	// DependencyHalted means the block was halted and the waiter should stop.
	DependencyHalted
)
