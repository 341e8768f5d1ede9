package telemetry

import (
	"sync"
	"time"
)

// ProgressProvider is implemented by components that report block progress
type ProgressProvider interface {
	// Progress returns committed and total transactions of the running block
	// and its current validation wave. ok is false when no block is running.
	Progress() (committed, total int, wave uint32, ok bool)
}

// MetricsCollector periodically collects progress and updates telemetry gauges
type MetricsCollector struct {
	provider ProgressProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider ProgressProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	committed, total, wave, ok := mc.provider.Progress()
	if !ok {
		BlockProgress.Set(0)
		BlockSize.Set(0)
		return
	}

	BlockProgress.Set(float64(committed))
	BlockSize.Set(float64(total))
	ValidationWave.Set(float64(wave))
}
