package telemetry

import (
	"sync"
	"time"
)

// ListenerCounter is implemented by the invalidation crossbar
type ListenerCounter interface {
	ListenerCount() int
}

// SequenceRange is implemented by the change log
type SequenceRange interface {
	FirstSeq() uint64
	LastSeq() uint64
}

// MetricsCollector periodically samples component state into gauges
type MetricsCollector struct {
	listeners ListenerCounter
	oplog     SequenceRange
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. oplog may be nil.
func NewMetricsCollector(listeners ListenerCounter, oplog SequenceRange, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		listeners: listeners,
		oplog:     oplog,
		interval:  interval,
		stopCh:    make(chan struct{}),
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
	if mc.listeners != nil {
		CrossbarListeners.Set(float64(mc.listeners.ListenerCount()))
	}
	if mc.oplog != nil {
		OplogFirstSeq.Set(float64(mc.oplog.FirstSeq()))
		OplogLastSeq.Set(float64(mc.oplog.LastSeq()))
	}
}
