package scheduler

import "fmt"

// ProtocolViolation reports a caller bug, such as finishing an execution for
// a superseded incarnation. The scheduler panics with it: continuing would
// corrupt commit ordering.
type ProtocolViolation struct {
	Op      string
	Version Version
	Status  ExecutionStatus
	// Current is the incarnation the entry actually holds.
	Current Incarnation
	Detail  string
}

func (e *ProtocolViolation) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("scheduler protocol violation in %s for %s: %s", e.Op, e.Version, e.Detail)
	}
	return fmt.Sprintf("scheduler protocol violation in %s for %s: entry is %s at incarnation %d",
		e.Op, e.Version, e.Status, e.Current)
}

func violation(op string, v Version, status ExecutionStatus, current Incarnation) {
	panic(&ProtocolViolation{Op: op, Version: v, Status: status, Current: current})
}

func violationf(op string, v Version, format string, args ...interface{}) {
	panic(&ProtocolViolation{Op: op, Version: v, Detail: fmt.Sprintf(format, args...)})
}
