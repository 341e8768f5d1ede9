package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/maxpert/blockstm/executor"
	"github.com/maxpert/blockstm/storage"
	"github.com/maxpert/blockstm/workload"
)

// maxMismatches bounds the mismatches kept for printing.
const maxMismatches = 10

// VerifyResult holds verification results.
type VerifyResult struct {
	Height          uint64
	BlocksReplayed  int
	ReceiptsChecked int
	KeysChecked     int
	Supply          uint64
	ExpectedSupply  uint64
	Mismatches      []string // first maxMismatches, with details
	MismatchCount   int
}

// OK reports whether the replay matched the store.
func (r *VerifyResult) OK() bool {
	return r.MismatchCount == 0 && r.Supply == r.ExpectedSupply
}

func (r *VerifyResult) mismatch(format string, args ...interface{}) {
	r.MismatchCount++
	if len(r.Mismatches) < maxMismatches {
		r.Mismatches = append(r.Mismatches, fmt.Sprintf(format, args...))
	}
}

// Print writes a human readable report.
func (r *VerifyResult) Print(w io.Writer) {
	fmt.Fprintf(w, "Height:           %d\n", r.Height)
	fmt.Fprintf(w, "Blocks replayed:  %d\n", r.BlocksReplayed)
	fmt.Fprintf(w, "Receipts checked: %d\n", r.ReceiptsChecked)
	fmt.Fprintf(w, "Keys checked:     %d\n", r.KeysChecked)
	fmt.Fprintf(w, "Total supply:     %d (expected %d)\n", r.Supply, r.ExpectedSupply)
	if r.OK() {
		fmt.Fprintln(w, "Result:           OK")
		return
	}
	fmt.Fprintf(w, "Result:           %d mismatches\n", r.MismatchCount)
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "  %s\n", m)
	}
}

// executeVerify opens the data directory and checks it against a
// sequential replay of its stored blocks from genesis.
func executeVerify(ctx context.Context, cfg *Config) (*VerifyResult, error) {
	store, err := storage.Open(path.Join(cfg.DataDir, "state"), storage.Options{CacheSize: 1024})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return verifyStore(ctx, store, cfg.Accounts, cfg.InitialBalance)
}

func verifyStore(ctx context.Context, store *storage.Store, accounts int, balance uint64) (*VerifyResult, error) {
	result := &VerifyResult{
		Height:         store.Height(),
		ExpectedSupply: uint64(accounts) * balance,
	}
	if result.Height == 0 {
		return nil, fmt.Errorf("store is empty")
	}

	// Height 1 is genesis and carries no block payload
	state := genesisState(accounts, balance)
	for h := uint64(2); h <= result.Height; h++ {
		payload, err := store.Block(h)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", h, err)
		}
		block, err := workload.DecodeBlock(payload)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", h, err)
		}

		txs := workload.Transfers(block.Transfers)
		res, err := executor.New(txs, state, executor.Options{Concurrency: 1}).ExecuteBlock(ctx, len(txs))
		if err != nil {
			return nil, fmt.Errorf("replay block %d: %w", h, err)
		}
		state.apply(res.Writes)
		result.BlocksReplayed++

		stored, err := store.Receipts(h)
		if err != nil {
			return nil, fmt.Errorf("receipts %d: %w", h, err)
		}
		replayed := workload.Receipts(res.Outputs)
		if len(stored) != len(replayed) {
			result.mismatch("block %d: %d stored receipts, replay produced %d", h, len(stored), len(replayed))
			continue
		}
		for i := range replayed {
			result.ReceiptsChecked++
			s, r := stored[i], replayed[i]
			if s.Index != r.Index || s.Status != r.Status || s.Gas != r.Gas || s.Message != r.Message {
				result.mismatch("block %d receipt %d: stored %s/%d, replay %s/%d", h, i, s.Status, s.Gas, r.Status, r.Gas)
			}
		}
	}

	for key, want := range state {
		result.KeysChecked++
		got, found, err := store.Get(key)
		if err != nil {
			return nil, err
		}
		if !found {
			result.mismatch("%s: missing from store", key)
			continue
		}
		if !bytes.Equal(got, want) {
			result.mismatch("%s: stored %x, replay %x", key, got, want)
		}
		if b, err := workload.DecodeBalance(got); err == nil {
			result.Supply += b
		} else {
			result.mismatch("%s: %v", key, err)
		}
	}

	err := store.Scan("", func(key string, _ []byte) bool {
		if _, ok := state[key]; !ok {
			result.mismatch("%s: in store but not produced by replay", key)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
