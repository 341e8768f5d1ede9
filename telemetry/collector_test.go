package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) Progress() (int, int, uint32, bool) {
	p.calls.Add(1)
	return 3, 10, 2, true
}

func TestMetricsCollector_PollsUntilStopped(t *testing.T) {
	p := &countingProvider{}
	mc := NewMetricsCollector(p, time.Millisecond)
	mc.Start()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)

	mc.Stop()
	after := p.calls.Load()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, after, p.calls.Load())
}

func TestMetricsCollector_NilProvider(t *testing.T) {
	mc := NewMetricsCollector(nil, time.Millisecond)
	mc.Start()
	mc.Stop()
}

func TestNoopMetricsBeforeInit(t *testing.T) {
	require.Nil(t, GetMetricsHandler())

	c := NewCounter("unused_total", "unused")
	_, ok := c.(NoopStat)
	require.True(t, ok)

	TasksTotal.With("execution", "ok").Inc()
	TaskDurationSeconds.With("validation").Observe(0.1)
}
