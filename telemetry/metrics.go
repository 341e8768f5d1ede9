package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// TxnBuckets for a single transaction execution or validation
	TxnBuckets = []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	// BlockBuckets for a whole block including the storage write
	BlockBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// IncarnationBuckets for the number of incarnations a committed transaction needed
	IncarnationBuckets = []float64{1, 2, 3, 4, 6, 8, 12, 16, 32}
)

// Scheduler Metrics
var (
	// ValidationWave tracks the newest validation wave of the running block
	ValidationWave Gauge = NoopStat{}

	// AbortsTotal counts successful TryAbort calls
	AbortsTotal Counter = NoopStat{}

	// DependencyWaitsTotal counts workers suspended on a lower transaction
	DependencyWaitsTotal Counter = NoopStat{}

	// CommitsTotal counts committed transactions
	CommitsTotal Counter = NoopStat{}
)

// Executor Metrics
var (
	// TasksTotal counts tasks performed by kind (execution, validation) and result
	TasksTotal CounterVec = noopCounterVec{}

	// TaskDurationSeconds measures task latency by kind
	TaskDurationSeconds HistogramVec = noopHistogramVec{}

	// CommittedIncarnations measures incarnations per committed transaction
	CommittedIncarnations Histogram = NoopStat{}

	// BlocksTotal counts blocks by result (complete, truncated, failed)
	BlocksTotal CounterVec = noopCounterVec{}

	// BlockDurationSeconds measures block latency including persistence
	BlockDurationSeconds Histogram = NoopStat{}

	// BlockProgress tracks committed transactions of the running block
	BlockProgress Gauge = NoopStat{}

	// BlockSize tracks the number of transactions of the running block
	BlockSize Gauge = NoopStat{}

	// ActiveWorkers tracks worker goroutines currently inside a block
	ActiveWorkers Gauge = NoopStat{}
)

// Storage Metrics
var (
	// StateCacheLookups counts read cache lookups by result (hit, miss)
	StateCacheLookups CounterVec = noopCounterVec{}

	// StateHeight tracks the last applied block height
	StateHeight Gauge = NoopStat{}

	// WriteFilterSize tracks entries in the multi-version write filter
	WriteFilterSize Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Scheduler Metrics
	ValidationWave = NewGauge(
		"validation_wave",
		"Newest validation wave of the running block",
	)
	AbortsTotal = NewCounter(
		"aborts_total",
		"Total transactions aborted by a failed validation",
	)
	DependencyWaitsTotal = NewCounter(
		"dependency_waits_total",
		"Total workers suspended on a lower transaction",
	)
	CommitsTotal = NewCounter(
		"commits_total",
		"Total committed transactions",
	)

	// Executor Metrics
	TasksTotal = NewCounterVec(
		"tasks_total",
		"Tasks performed by kind and result",
		[]string{"kind", "result"},
	)
	TaskDurationSeconds = NewHistogramVec(
		"task_duration_seconds",
		"Task duration in seconds",
		[]string{"kind"},
		TxnBuckets,
	)
	CommittedIncarnations = NewHistogramWithBuckets(
		"committed_incarnations",
		"Incarnations needed per committed transaction",
		IncarnationBuckets,
	)
	BlocksTotal = NewCounterVec(
		"blocks_total",
		"Blocks by result",
		[]string{"result"},
	)
	BlockDurationSeconds = NewHistogramWithBuckets(
		"block_duration_seconds",
		"Block duration in seconds",
		BlockBuckets,
	)
	BlockProgress = NewGauge(
		"block_progress",
		"Committed transactions of the running block",
	)
	BlockSize = NewGauge(
		"block_size",
		"Transactions in the running block",
	)
	ActiveWorkers = NewGauge(
		"active_workers",
		"Worker goroutines inside a block",
	)

	// Storage Metrics
	StateCacheLookups = NewCounterVec(
		"state_cache_lookups_total",
		"State read cache lookups by result",
		[]string{"result"},
	)
	StateHeight = NewGauge(
		"state_height",
		"Last applied block height",
	)
	WriteFilterSize = NewGauge(
		"write_filter_size",
		"Entries in the multi-version write filter",
	)
}
