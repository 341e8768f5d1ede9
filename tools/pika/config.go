package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Config struct {
	// Workload
	Blocks         int
	Txns           int
	Accounts       int
	HotAccounts    int
	HotRatio       float64
	MaxAmount      uint64
	InitialBalance uint64
	Seed           int64

	// Executor
	Workers  string // Comma-separated worker counts, one pass each
	GasLimit uint64
	Window   int

	// Verify
	DataDir string

	// Derived
	workerList []int
}

func (c *Config) Validate() error {
	if c.Workers == "" {
		return fmt.Errorf("workers cannot be empty")
	}

	c.workerList = c.workerList[:0]
	for _, w := range strings.Split(c.Workers, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil {
			return fmt.Errorf("invalid worker count %q: %w", w, err)
		}
		if n < 1 {
			return fmt.Errorf("worker count must be at least 1: %d", n)
		}
		c.workerList = append(c.workerList, n)
	}

	if c.Blocks < 1 {
		return fmt.Errorf("blocks must be at least 1")
	}
	if c.Txns < 1 {
		return fmt.Errorf("txns must be at least 1")
	}
	if c.Accounts < 2 {
		return fmt.Errorf("accounts must be at least 2")
	}
	if c.HotAccounts < 0 || c.HotAccounts > c.Accounts {
		return fmt.Errorf("hot-accounts must be in [0, %d]", c.Accounts)
	}
	if c.MaxAmount > math.MaxInt64 {
		return fmt.Errorf("max-amount must be at most %d", uint64(math.MaxInt64))
	}
	if c.HotRatio < 0 || c.HotRatio > 1 {
		return fmt.Errorf("hot-ratio must be in [0, 1]")
	}
	if c.Window < 0 {
		return fmt.Errorf("window cannot be negative")
	}
	return nil
}

// WorkerList returns the parsed worker counts. Validate must be called first.
func (c *Config) WorkerList() []int {
	return c.workerList
}
