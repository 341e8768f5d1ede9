package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/maxpert/blockstm/admin"
	"github.com/maxpert/blockstm/cfg"
	"github.com/maxpert/blockstm/executor"
	"github.com/maxpert/blockstm/notify"
	"github.com/maxpert/blockstm/storage"
	"github.com/maxpert/blockstm/telemetry"
	"github.com/maxpert/blockstm/workload"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("BlockSTM - parallel block execution")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.GetStatePath(), storage.Options{
		CacheSize:         cfg.Config.Storage.CacheSize,
		CompressThreshold: cfg.Config.Storage.CompressThreshold,
		Sync:              cfg.Config.Storage.Sync,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
		return
	}
	defer store.Close()

	if store.Height() == 0 {
		genesis := workload.Genesis(cfg.Config.Workload.Accounts, cfg.Config.Workload.InitialBalance)
		if err := store.ApplyBlock(1, nil, genesis, nil); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply genesis")
			return
		}
		log.Info().Int("accounts", len(genesis)).Msg("Genesis applied")
	}

	vm := &currentBlock{}
	exec := executor.New(vm, store, executor.Options{
		Concurrency:     cfg.Config.Executor.Workers,
		BlockGasLimit:   cfg.Config.Executor.BlockGasLimit,
		ExecutionWindow: cfg.Config.Executor.ExecutionWindow,
		IdleBackoff:     time.Duration(cfg.Config.Executor.IdleBackoffMicros) * time.Microsecond,
	})

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(exec,
			time.Duration(cfg.Config.Prometheus.CollectIntervalMS)*time.Millisecond)
		collector.Start()
		defer collector.Stop()
	}

	hub := notify.NewHub()

	var server *http.Server
	if cfg.Config.Admin.Enabled {
		server = startAdminServer(store, exec, hub)
		defer shutdownAdminServer(server)
	}

	if err := runBlocks(ctx, store, exec, vm, hub); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Interrupted")
			return
		}
		log.Error().Err(err).Msg("Block execution failed")
		return
	}

	log.Info().
		Uint64("height", store.Height()).
		Str("data_dir", cfg.Config.DataDir).
		Msg("All blocks applied")

	// Keep serving admin requests until interrupted
	if server != nil {
		<-ctx.Done()
	}
}

// currentBlock routes executions to the transfers of the block being run
type currentBlock struct {
	txs atomic.Pointer[workload.Transfers]
}

func (c *currentBlock) Execute(ctx context.Context, idx int, view executor.StateView) (*executor.Output, error) {
	return c.txs.Load().Execute(ctx, idx, view)
}

func runBlocks(ctx context.Context, store *storage.Store, exec *executor.ParallelExecutor, vm *currentBlock, hub *notify.Hub) error {
	w := cfg.Config.Workload
	for n := 0; n < w.Blocks; n++ {
		height := store.Height() + 1
		txs := workload.Generate(workload.GeneratorConfig{
			Txns:        w.TxnsPerBlock,
			Accounts:    w.Accounts,
			HotAccounts: w.HotAccounts,
			HotRatio:    w.HotRatio,
			MaxAmount:   w.MaxAmount,
			Seed:        w.Seed + int64(height),
		})
		vm.txs.Store(&txs)

		start := time.Now()
		res, err := exec.ExecuteBlock(ctx, len(txs))
		if err != nil {
			return fmt.Errorf("block %d: %w", height, err)
		}
		elapsed := time.Since(start)

		// Only the committed prefix is persisted
		block := &workload.Block{Height: height, Transfers: txs[:res.Committed]}
		payload, err := workload.EncodeBlock(block)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", height, err)
		}
		if err := store.ApplyBlock(height, payload, res.Writes, workload.Receipts(res.Outputs)); err != nil {
			return err
		}

		keys := make([]string, len(res.Writes))
		for i, w := range res.Writes {
			keys[i] = w.Key
		}
		hub.Signal(notify.BlockSignal{Height: height, Committed: res.Committed, Truncated: res.Truncated, Keys: keys})

		log.Info().
			Uint64("height", height).
			Int("committed", res.Committed).
			Bool("truncated", res.Truncated).
			Uint64("gas", res.GasUsed).
			Int64("executions", res.Stats.Executions).
			Int64("aborts", res.Stats.Aborts).
			Dur("elapsed", elapsed).
			Msg("Block applied")
	}
	return nil
}

func startAdminServer(store *storage.Store, exec *executor.ParallelExecutor, hub *notify.Hub) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(store, exec, hub), cfg.Config.Admin.Secret)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	log.Info().Str("address", server.Addr).Msg("Admin server started")
	return server
}

func shutdownAdminServer(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown")
	}
}
