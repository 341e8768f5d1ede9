package main

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/blockstm/executor"
	"github.com/puzpuzpuz/xsync/v3"
)

// Stats tracks one benchmark pass.
type Stats struct {
	blocks      *xsync.Counter
	txns        *xsync.Counter
	executions  *xsync.Counter
	validations *xsync.Counter
	aborts      *xsync.Counter
	waits       *xsync.Counter
	truncated   *xsync.Counter

	// Block latency tracking (microseconds)
	mu        sync.Mutex
	latencies []int64
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		blocks:      xsync.NewCounter(),
		txns:        xsync.NewCounter(),
		executions:  xsync.NewCounter(),
		validations: xsync.NewCounter(),
		aborts:      xsync.NewCounter(),
		waits:       xsync.NewCounter(),
		truncated:   xsync.NewCounter(),
		latencies:   make([]int64, 0, 1024),
	}
}

// RecordBlock records an executed block.
func (s *Stats) RecordBlock(res *executor.BlockResult, latency time.Duration) {
	s.blocks.Inc()
	s.txns.Add(int64(res.Committed))
	s.executions.Add(res.Stats.Executions)
	s.validations.Add(res.Stats.Validations)
	s.aborts.Add(res.Stats.Aborts)
	s.waits.Add(res.Stats.DependencyWaits)
	if res.Truncated {
		s.truncated.Inc()
	}

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// GetLatencyPercentiles returns p50, p90, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*99/100]
}

// Snapshot returns a copy of current counters.
type Snapshot struct {
	Blocks      int64
	Txns        int64
	Executions  int64
	Validations int64
	Aborts      int64
	Waits       int64
	Truncated   int64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Blocks:      s.blocks.Value(),
		Txns:        s.txns.Value(),
		Executions:  s.executions.Value(),
		Validations: s.validations.Value(),
		Aborts:      s.aborts.Value(),
		Waits:       s.waits.Value(),
		Truncated:   s.truncated.Value(),
	}
}

// PrintFinal prints the summary of one pass.
func (s *Stats) PrintFinal(w io.Writer, workers int, elapsed time.Duration) {
	snap := s.GetSnapshot()
	p50, p90, p99 := s.GetLatencyPercentiles()

	throughput := float64(snap.Txns) / elapsed.Seconds()
	reexec := 0.0
	if snap.Txns > 0 {
		reexec = float64(snap.Executions)/float64(snap.Txns) - 1
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Workers:       %d\n", workers)
	fmt.Fprintf(w, "Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Fprintf(w, "Throughput:    %.2f txn/sec\n", throughput)
	fmt.Fprintf(w, "Blocks:        %d (%d truncated)\n", snap.Blocks, snap.Truncated)
	fmt.Fprintf(w, "Transactions:  %d\n", snap.Txns)
	fmt.Fprintf(w, "Executions:    %d (%.3f re-executions per txn)\n", snap.Executions, reexec)
	fmt.Fprintf(w, "Validations:   %d\n", snap.Validations)
	fmt.Fprintf(w, "Aborts:        %d\n", snap.Aborts)
	fmt.Fprintf(w, "Dep. waits:    %d\n", snap.Waits)
	fmt.Fprintln(w, "Block latency (microseconds):")
	fmt.Fprintf(w, "  P50:   %d\n", p50)
	fmt.Fprintf(w, "  P90:   %d\n", p90)
	fmt.Fprintf(w, "  P99:   %d\n", p99)
}
