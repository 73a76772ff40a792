package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PollBuckets for full re-queries against the store
	PollBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// FenceBuckets for writers waiting on observers
	FenceBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Observation Metrics
var (
	// MultiplexersActive tracks live multiplexers
	MultiplexersActive Gauge = NoopStat{}

	// ObserveHandlesActive tracks attached observe handles
	ObserveHandlesActive Gauge = NoopStat{}

	// DriversCreatedTotal counts observe drivers by kind (polling, tailing)
	DriversCreatedTotal CounterVec = noopCounterVec{}

	// PollsTotal counts polls by result (success, failed)
	PollsTotal CounterVec = noopCounterVec{}

	// PollDurationSeconds measures a full re-query and diff
	PollDurationSeconds Histogram = NoopStat{}

	// OplogEntriesProcessed counts change log entries applied by tailing drivers
	OplogEntriesProcessed Counter = NoopStat{}

	// ResyncsTotal counts full re-syncs of tailing drivers
	ResyncsTotal Counter = NoopStat{}

	// DriverFaultsTotal counts malformed entries and gaps seen by tailing drivers
	DriverFaultsTotal Counter = NoopStat{}

	// DocFetchesTotal counts document refetches by mode (issued, shared)
	DocFetchesTotal CounterVec = noopCounterVec{}
)

// Write Metrics
var (
	// WritesTotal counts writes by op and result (success, failed)
	WritesTotal CounterVec = noopCounterVec{}

	// UpsertRetriesTotal counts upsert attempts lost to contention
	UpsertRetriesTotal Counter = NoopStat{}

	// FenceWaitSeconds measures how long writers wait for observers
	FenceWaitSeconds Histogram = NoopStat{}

	// CrossbarFiresTotal counts invalidations by origin (local, remote)
	CrossbarFiresTotal CounterVec = noopCounterVec{}

	// OplogAppendedTotal counts change log entries written by op
	OplogAppendedTotal CounterVec = noopCounterVec{}
)

// Collected Gauges
var (
	// CrossbarListeners tracks registered invalidation listeners
	CrossbarListeners Gauge = NoopStat{}

	// OplogLastSeq is the newest change log sequence number
	OplogLastSeq Gauge = NoopStat{}

	// OplogFirstSeq is the oldest retained change log sequence number
	OplogFirstSeq Gauge = NoopStat{}
)

// InitMetrics initializes all metrics. Called by InitializeTelemetry once the
// registry exists.
func InitMetrics() {
	MultiplexersActive = NewGauge(
		"multiplexers_active",
		"Live observe multiplexers",
	)
	ObserveHandlesActive = NewGauge(
		"observe_handles_active",
		"Attached observe handles",
	)
	DriversCreatedTotal = NewCounterVec(
		"drivers_created_total",
		"Observe drivers created by kind",
		[]string{"kind"},
	)
	PollsTotal = NewCounterVec(
		"polls_total",
		"Polls by result",
		[]string{"result"},
	)
	PollDurationSeconds = NewHistogramWithBuckets(
		"poll_duration_seconds",
		"Duration of a poll including diffing",
		PollBuckets,
	)
	OplogEntriesProcessed = NewCounter(
		"oplog_entries_processed_total",
		"Change log entries applied by tailing drivers",
	)
	ResyncsTotal = NewCounter(
		"resyncs_total",
		"Full re-syncs of tailing drivers",
	)
	DriverFaultsTotal = NewCounter(
		"driver_faults_total",
		"Malformed entries and gaps seen by tailing drivers",
	)
	DocFetchesTotal = NewCounterVec(
		"doc_fetches_total",
		"Document refetches by mode",
		[]string{"mode"},
	)

	WritesTotal = NewCounterVec(
		"writes_total",
		"Writes by op and result",
		[]string{"op", "result"},
	)
	UpsertRetriesTotal = NewCounter(
		"upsert_retries_total",
		"Upsert attempts lost to contention",
	)
	FenceWaitSeconds = NewHistogramWithBuckets(
		"fence_wait_seconds",
		"Time writers wait for observers",
		FenceBuckets,
	)
	CrossbarFiresTotal = NewCounterVec(
		"crossbar_fires_total",
		"Invalidations by origin",
		[]string{"origin"},
	)
	OplogAppendedTotal = NewCounterVec(
		"oplog_appended_total",
		"Change log entries written by op",
		[]string{"op"},
	)

	CrossbarListeners = NewGauge(
		"crossbar_listeners",
		"Registered invalidation listeners",
	)
	OplogLastSeq = NewGauge(
		"oplog_last_seq",
		"Newest change log sequence number",
	)
	OplogFirstSeq = NewGauge(
		"oplog_first_seq",
		"Oldest retained change log sequence number",
	)
}
