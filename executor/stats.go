package executor

import "github.com/puzpuzpuz/xsync/v3"

// Stats are updated concurrently by all workers of a block.
type Stats struct {
	Executions      *xsync.Counter
	Validations     *xsync.Counter
	Aborts          *xsync.Counter
	DependencyWaits *xsync.Counter
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Executions      int64
	Validations     int64
	Aborts          int64
	DependencyWaits int64
}

func newStats() *Stats {
	return &Stats{
		Executions:      xsync.NewCounter(),
		Validations:     xsync.NewCounter(),
		Aborts:          xsync.NewCounter(),
		DependencyWaits: xsync.NewCounter(),
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Executions:      s.Executions.Value(),
		Validations:     s.Validations.Value(),
		Aborts:          s.Aborts.Value(),
		DependencyWaits: s.DependencyWaits.Value(),
	}
}
