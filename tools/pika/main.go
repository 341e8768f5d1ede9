package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runBenchmark(args)
	case "verify":
		runVerify(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - BlockSTM benchmark tool

Usage:
  pika <command> [options]

Commands:
  run       Execute generated blocks in memory at several worker counts
  verify    Replay a data directory sequentially and compare its state
  version   Print version
  help      Show this help

Run Options:
  --workers        Comma-separated worker counts (default: 1,2,4,8)
  --blocks         Blocks per worker count (default: 10)
  --txns           Transactions per block (default: 1000)
  --accounts       Number of accounts (default: 10000)
  --hot-accounts   Size of the hot account set (default: 10)
  --hot-ratio      Share of transfers sent to a hot account (default: 0.1)
  --max-amount     Largest transfer amount (default: 100)
  --balance        Genesis balance per account (default: 1000000)
  --gas-limit      Block gas limit, 0 = unlimited (default: 0)
  --window         Execution window under a gas limit (default: 64)
  --seed           Workload seed (default: 1)

Verify Options:
  --data-dir       BlockSTM data directory (default: ./blockstm-data)
  --accounts       Accounts the data directory was created with (default: 10000)
  --balance        Genesis balance it was created with (default: 1000000)

Examples:
  pika run --workers=1,4,16 --blocks=20 --hot-ratio=0.5
  pika verify --data-dir=./blockstm-data`)
}

func withInterrupt(timeLimit time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func workloadFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.Accounts, "accounts", 10000, "Number of accounts")
	fs.Uint64Var(&cfg.InitialBalance, "balance", 1_000_000, "Genesis balance per account")
}

func runBenchmark(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	fs.StringVar(&cfg.Workers, "workers", "1,2,4,8", "Comma-separated worker counts")
	fs.IntVar(&cfg.Blocks, "blocks", 10, "Blocks per worker count")
	fs.IntVar(&cfg.Txns, "txns", 1000, "Transactions per block")
	fs.IntVar(&cfg.HotAccounts, "hot-accounts", 10, "Size of the hot account set")
	fs.Float64Var(&cfg.HotRatio, "hot-ratio", 0.1, "Share of transfers sent to a hot account")
	fs.Uint64Var(&cfg.MaxAmount, "max-amount", 100, "Largest transfer amount")
	fs.Uint64Var(&cfg.GasLimit, "gas-limit", 0, "Block gas limit (0 = unlimited)")
	fs.IntVar(&cfg.Window, "window", 64, "Execution window under a gas limit")
	fs.Int64Var(&cfg.Seed, "seed", 1, "Workload seed")
	workloadFlags(fs, cfg)

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := withInterrupt(timeLimit)
	defer cancel()

	if err := executeRun(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
}

func runVerify(args []string) {
	cfg := &Config{
		Workers: "1", // Default for verify to pass validation
		Txns:    1,
		Blocks:  1,
	}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", "./blockstm-data", "BlockSTM data directory")
	workloadFlags(fs, cfg)

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := withInterrupt(0)
	defer cancel()

	result, err := executeVerify(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
	result.Print(os.Stdout)
	if !result.OK() {
		os.Exit(2)
	}
}
