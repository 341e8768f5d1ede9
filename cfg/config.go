package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ExecutorConfiguration controls the parallel block executor
type ExecutorConfiguration struct {
	Workers           int    `toml:"workers"`            // Worker goroutines per block, <= 1 runs sequentially
	ExecutionWindow   int    `toml:"execution_window"`   // Max speculative executions past the commit cursor when a gas limit is set, 0 = unbounded
	BlockGasLimit     uint64 `toml:"block_gas_limit"`    // Cumulative gas at which the block is truncated, 0 = unlimited
	IdleBackoffMicros int    `toml:"idle_backoff_micros"` // Sleep when a worker gets no task and nothing commits
}

// StorageConfiguration controls the committed state store
type StorageConfiguration struct {
	CacheSize         int  `toml:"cache_size"`         // Entries in the read cache
	CompressThreshold int  `toml:"compress_threshold"` // Values at least this large are zstd-compressed, 0 disables
	Sync              bool `toml:"sync"`               // fsync every applied block
}

// WorkloadConfiguration controls the generated transfer workload
type WorkloadConfiguration struct {
	Blocks         int     `toml:"blocks"`
	TxnsPerBlock   int     `toml:"txns_per_block"`
	Accounts       int     `toml:"accounts"`
	HotAccounts    int     `toml:"hot_accounts"` // Accounts that attract HotRatio of all transfers
	HotRatio       float64 `toml:"hot_ratio"`
	InitialBalance uint64  `toml:"initial_balance"`
	MaxAmount      uint64  `toml:"max_amount"`
	Seed           int64   `toml:"seed"`
}

// AdminConfiguration for the HTTP status server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	// Secret, when non-empty, is required on every admin request except /metrics
	Secret string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics, served by the admin server at /metrics
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Executor   ExecutorConfiguration   `toml:"executor"`
	Storage    StorageConfiguration    `toml:"storage"`
	Workload   WorkloadConfiguration   `toml:"workload"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	InstanceIDFlag = flag.Uint64("instance-id", 0, "Instance ID (overrides config, 0=auto)")
	WorkersFlag    = flag.Int("workers", 0, "Worker goroutines per block (overrides config)")
	BlocksFlag     = flag.Int("blocks", 0, "Number of generated blocks to run (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./blockstm-data",

	Executor: ExecutorConfiguration{
		Workers:           8,
		ExecutionWindow:   64,
		BlockGasLimit:     0,
		IdleBackoffMicros: 50,
	},

	Storage: StorageConfiguration{
		CacheSize:         16384,
		CompressThreshold: 1024,
		Sync:              false,
	},

	Workload: WorkloadConfiguration{
		Blocks:         10,
		TxnsPerBlock:   1000,
		Accounts:       10000,
		HotAccounts:    10,
		HotRatio:       0.1,
		InitialBalance: 1_000_000,
		MaxAmount:      100,
		Seed:           1,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:           true,
		CollectIntervalMS: 1000,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *InstanceIDFlag != 0 {
		Config.InstanceID = *InstanceIDFlag
	}
	if *WorkersFlag != 0 {
		Config.Executor.Workers = *WorkersFlag
	}
	if *BlocksFlag != 0 {
		Config.Workload.Blocks = *BlocksFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateInstanceID creates a stable ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("blockstm")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Executor.Workers < 1 {
		return fmt.Errorf("executor workers must be >= 1")
	}

	if Config.Executor.ExecutionWindow < 0 {
		return fmt.Errorf("executor execution window must be >= 0")
	}

	if Config.Executor.IdleBackoffMicros < 0 {
		return fmt.Errorf("executor idle backoff must be >= 0")
	}

	if Config.Storage.CacheSize < 1 {
		return fmt.Errorf("storage cache size must be >= 1")
	}

	if Config.Storage.CompressThreshold < 0 {
		return fmt.Errorf("storage compress threshold must be >= 0")
	}

	if Config.Workload.TxnsPerBlock < 1 {
		return fmt.Errorf("workload txns per block must be >= 1")
	}

	if Config.Workload.Accounts < 2 {
		return fmt.Errorf("workload needs at least 2 accounts")
	}

	if Config.Workload.HotAccounts < 0 || Config.Workload.HotAccounts > Config.Workload.Accounts {
		return fmt.Errorf("workload hot accounts must be in [0, %d]", Config.Workload.Accounts)
	}

	if Config.Workload.HotRatio < 0 || Config.Workload.HotRatio > 1 {
		return fmt.Errorf("workload hot ratio must be in [0, 1]: %v", Config.Workload.HotRatio)
	}

	if Config.Workload.MaxAmount > math.MaxInt64 {
		return fmt.Errorf("workload max amount must be <= %d", uint64(math.MaxInt64))
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalMS < 1 {
		return fmt.Errorf("prometheus collect interval must be >= 1ms")
	}

	return nil
}

// GetStatePath returns the path of the committed state store
func GetStatePath() string {
	return path.Join(Config.DataDir, "state")
}
