package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/maxpert/blockstm/telemetry"
)

// reportProgress prints the running block every second.
func reportProgress(ctx context.Context, w io.Writer, stats *Stats, progress telemetry.ProgressProvider, workers int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSnapshot Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)
			txnSec := snapshot.Txns - lastSnapshot.Txns

			committed, total, wave, ok := progress.Progress()
			if ok {
				fmt.Fprintf(w, "[%5.0fs] workers: %3d | blocks: %5d | txn/sec: %7d | aborts: %6d | block: %d/%d wave %d\n",
					elapsed.Seconds(), workers, snapshot.Blocks, txnSec, snapshot.Aborts, committed, total, wave)
			} else {
				fmt.Fprintf(w, "[%5.0fs] workers: %3d | blocks: %5d | txn/sec: %7d | aborts: %6d\n",
					elapsed.Seconds(), workers, snapshot.Blocks, txnSec, snapshot.Aborts)
			}

			lastSnapshot = snapshot
		}
	}
}
