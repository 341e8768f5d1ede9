package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/blockstm/executor"
	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/workload"
)

// memState is an in-memory committed state used as the executor's base.
type memState map[string][]byte

func (m memState) Get(key string) ([]byte, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memState) apply(writes []mvmemory.WriteDescriptor) {
	for _, w := range writes {
		m[w.Key] = w.Value
	}
}

// digest hashes the state in key order.
func (m memState) digest() uint64 {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	var n [4]byte
	for _, k := range keys {
		binary.LittleEndian.PutUint32(n[:], uint32(len(k)))
		h.Write(n[:])
		h.WriteString(k)
		binary.LittleEndian.PutUint32(n[:], uint32(len(m[k])))
		h.Write(n[:])
		h.Write(m[k])
	}
	return h.Sum64()
}

func genesisState(accounts int, balance uint64) memState {
	state := memState{}
	state.apply(workload.Genesis(accounts, balance))
	return state
}

// blockVM routes executions to the transfers of the block being run.
type blockVM struct {
	txs atomic.Pointer[workload.Transfers]
}

func (b *blockVM) Execute(ctx context.Context, idx int, view executor.StateView) (*executor.Output, error) {
	return b.txs.Load().Execute(ctx, idx, view)
}

// passResult is the outcome of one worker count.
type passResult struct {
	Workers int
	Elapsed time.Duration
	Stats   Snapshot
	Digest  uint64
}

// runPass executes cfg.Blocks blocks from genesis with the given worker count.
func runPass(ctx context.Context, cfg *Config, workers int, out io.Writer) (*passResult, error) {
	state := genesisState(cfg.Accounts, cfg.InitialBalance)
	vm := &blockVM{}
	exec := executor.New(vm, state, executor.Options{
		Concurrency:     workers,
		BlockGasLimit:   cfg.GasLimit,
		ExecutionWindow: cfg.Window,
	})

	stats := NewStats()
	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	if out != nil {
		go reportProgress(reportCtx, out, stats, exec, workers)
	}

	start := time.Now()
	for b := 0; b < cfg.Blocks; b++ {
		txs := workload.Generate(workload.GeneratorConfig{
			Txns:        cfg.Txns,
			Accounts:    cfg.Accounts,
			HotAccounts: cfg.HotAccounts,
			HotRatio:    cfg.HotRatio,
			MaxAmount:   cfg.MaxAmount,
			Seed:        cfg.Seed + int64(b),
		})
		vm.txs.Store(&txs)

		blockStart := time.Now()
		res, err := exec.ExecuteBlock(ctx, len(txs))
		if err != nil {
			return nil, fmt.Errorf("workers %d block %d: %w", workers, b, err)
		}
		stats.RecordBlock(res, time.Since(blockStart))
		state.apply(res.Writes)
	}
	elapsed := time.Since(start)
	stopReport()

	if out != nil {
		stats.PrintFinal(out, workers, elapsed)
	}
	return &passResult{
		Workers: workers,
		Elapsed: elapsed,
		Stats:   stats.GetSnapshot(),
		Digest:  state.digest(),
	}, nil
}

// executeRun runs one pass per worker count and checks that every pass
// ends in the same state.
func executeRun(ctx context.Context, cfg *Config, out io.Writer) error {
	var results []*passResult
	for _, workers := range cfg.WorkerList() {
		res, err := runPass(ctx, cfg, workers, out)
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	base := results[0]
	for _, r := range results[1:] {
		if r.Digest != base.Digest {
			return fmt.Errorf("state digest with %d workers is %016x, with %d workers %016x",
				r.Workers, r.Digest, base.Workers, base.Digest)
		}
	}

	if out != nil {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Final state digest %016x identical across %d passes\n", base.Digest, len(results))
		for _, r := range results {
			fmt.Fprintf(out, "  workers %3d: %.2fx vs %d workers\n", r.Workers, base.Elapsed.Seconds()/r.Elapsed.Seconds(), base.Workers)
		}
	}
	return nil
}
