package main

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/maxpert/blockstm/executor"
	"github.com/maxpert/blockstm/mvmemory"
	"github.com/maxpert/blockstm/storage"
	"github.com/maxpert/blockstm/workload"
	"github.com/stretchr/testify/require"
)

func benchConfig() *Config {
	return &Config{
		Blocks:         3,
		Txns:           200,
		Accounts:       50,
		HotAccounts:    3,
		HotRatio:       0.6,
		MaxAmount:      20,
		InitialBalance: 100,
		Seed:           7,
		Workers:        "1, 4",
		Window:         16,
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := benchConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, []int{1, 4}, cfg.WorkerList())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty workers", func(c *Config) { c.Workers = "" }},
		{"bad workers", func(c *Config) { c.Workers = "1,x" }},
		{"zero workers", func(c *Config) { c.Workers = "0" }},
		{"no blocks", func(c *Config) { c.Blocks = 0 }},
		{"no txns", func(c *Config) { c.Txns = 0 }},
		{"one account", func(c *Config) { c.Accounts = 1 }},
		{"too many hot", func(c *Config) { c.HotAccounts = 51 }},
		{"bad ratio", func(c *Config) { c.HotRatio = 1.5 }},
		{"max amount overflows", func(c *Config) { c.MaxAmount = math.MaxInt64 + 1 }},
		{"negative window", func(c *Config) { c.Window = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := benchConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestExecuteRun_SameStateAcrossWorkerCounts(t *testing.T) {
	cfg := benchConfig()
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	require.NoError(t, executeRun(context.Background(), cfg, &out))
	require.Contains(t, out.String(), "identical across 2 passes")
}

func TestRunPass_GasLimit(t *testing.T) {
	cfg := benchConfig()
	cfg.GasLimit = 50 * workload.GasPerTransfer
	require.NoError(t, cfg.Validate())

	seq, err := runPass(context.Background(), cfg, 1, nil)
	require.NoError(t, err)
	par, err := runPass(context.Background(), cfg, 4, nil)
	require.NoError(t, err)

	require.Equal(t, int64(3), seq.Stats.Truncated)
	require.Equal(t, int64(3*50), seq.Stats.Txns)
	require.Equal(t, seq.Stats.Txns, par.Stats.Txns)
	require.Equal(t, seq.Digest, par.Digest)
}

func TestMemState_Digest(t *testing.T) {
	a := memState{"a": []byte("1"), "b": []byte("2")}
	b := memState{"b": []byte("2"), "a": []byte("1")}
	require.Equal(t, a.digest(), b.digest())

	b.apply([]mvmemory.WriteDescriptor{{Key: "a", Value: []byte("3")}})
	require.NotEqual(t, a.digest(), b.digest())

	// Key/value boundaries are part of the digest
	c := memState{"ab": []byte("c")}
	d := memState{"a": []byte("bc")}
	require.NotEqual(t, c.digest(), d.digest())
}

// buildStore applies genesis and blocks the way the node does.
func buildStore(t *testing.T, cfg *Config) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{CacheSize: 64, CompressThreshold: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.ApplyBlock(1, nil, workload.Genesis(cfg.Accounts, cfg.InitialBalance), nil))

	for b := 0; b < cfg.Blocks; b++ {
		height := store.Height() + 1
		txs := workload.Generate(workload.GeneratorConfig{
			Txns:        cfg.Txns,
			Accounts:    cfg.Accounts,
			HotAccounts: cfg.HotAccounts,
			HotRatio:    cfg.HotRatio,
			MaxAmount:   cfg.MaxAmount,
			Seed:        cfg.Seed + int64(height),
		})
		res, err := executor.New(txs, store, executor.Options{Concurrency: 4}).
			ExecuteBlock(context.Background(), len(txs))
		require.NoError(t, err)

		payload, err := workload.EncodeBlock(&workload.Block{Height: height, Transfers: txs[:res.Committed]})
		require.NoError(t, err)
		require.NoError(t, store.ApplyBlock(height, payload, res.Writes, workload.Receipts(res.Outputs)))
	}
	return store
}

func TestVerifyStore_OK(t *testing.T) {
	cfg := benchConfig()
	store := buildStore(t, cfg)

	result, err := verifyStore(context.Background(), store, cfg.Accounts, cfg.InitialBalance)
	require.NoError(t, err)
	require.True(t, result.OK(), result.Mismatches)
	require.Equal(t, uint64(cfg.Blocks+1), result.Height)
	require.Equal(t, cfg.Blocks, result.BlocksReplayed)
	require.Equal(t, cfg.Blocks*cfg.Txns, result.ReceiptsChecked)
	require.Equal(t, cfg.Accounts, result.KeysChecked)
	require.Equal(t, uint64(cfg.Accounts)*cfg.InitialBalance, result.Supply)

	var out bytes.Buffer
	result.Print(&out)
	require.Contains(t, out.String(), "OK")
}

func TestVerifyStore_DetectsTampering(t *testing.T) {
	cfg := benchConfig()
	store := buildStore(t, cfg)

	// An empty block whose state write no transaction produced
	payload, err := workload.EncodeBlock(&workload.Block{Height: store.Height() + 1})
	require.NoError(t, err)
	require.NoError(t, store.ApplyBlock(store.Height()+1, payload, []mvmemory.WriteDescriptor{
		{Key: workload.AccountKey(0), Value: workload.EncodeBalance(1 << 40)},
		{Key: "stray", Value: workload.EncodeBalance(1)},
	}, nil))

	result, err := verifyStore(context.Background(), store, cfg.Accounts, cfg.InitialBalance)
	require.NoError(t, err)
	require.False(t, result.OK())
	require.Equal(t, 2, result.MismatchCount)

	var out bytes.Buffer
	result.Print(&out)
	require.Contains(t, out.String(), "2 mismatches")
	require.Contains(t, out.String(), "stray")
}

func TestVerifyStore_Empty(t *testing.T) {
	store, err := storage.Open(t.TempDir(), storage.Options{CacheSize: 8})
	require.NoError(t, err)
	defer store.Close()

	_, err = verifyStore(context.Background(), store, 10, 10)
	require.Error(t, err)
}
