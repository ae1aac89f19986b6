package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// DeliveryBuckets for destination delivery latencies (network I/O)
	DeliveryBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// RouteBuckets for full route calls (fanout to all destinations)
	RouteBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// BatchSizeBuckets for bulk operation member counts
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Bulk Operation Detector Metrics
var (
	// BulkBatchesActive tracks currently open batches
	BulkBatchesActive Gauge = NoopStat{}

	// BulkFlushesTotal counts batch flushes by trigger (size, timeout, drain)
	BulkFlushesTotal CounterVec = noopCounterVec{}

	// BulkEventsTotal counts emitted bulk operation events
	BulkEventsTotal Counter = NoopStat{}

	// BulkBatchMembers measures member count per flushed batch
	BulkBatchMembers Histogram = NoopStat{}

	// BulkPassThroughTotal counts events handed back individually from
	// below-minimum batches
	BulkPassThroughTotal Counter = NoopStat{}
)

// Transactional Grouping Metrics
var (
	// TxnActive tracks currently open transactions
	TxnActive Gauge = NoopStat{}

	// TxnTotal counts terminal transactions by result (committed, aborted, abandoned)
	TxnTotal CounterVec = noopCounterVec{}
)

// Delivery Metrics
var (
	// DeliveryAttemptsTotal counts transport attempts by destination and result
	DeliveryAttemptsTotal CounterVec = noopCounterVec{}

	// DeliveryDuplicatesTotal counts deliveries short-circuited by the ledger
	DeliveryDuplicatesTotal Counter = NoopStat{}

	// DeliveryFailedTotal counts deliveries that exhausted retries
	DeliveryFailedTotal Counter = NoopStat{}

	// DeliverySeconds measures per-attempt destination latency
	DeliverySeconds HistogramVec = noopHistogramVec{}

	// LedgerEntries tracks the delivery ledger size
	LedgerEntries Gauge = NoopStat{}

	// DedupFilterHits counts fast-path filter outcomes (miss, maybe)
	DedupFilterHits CounterVec = noopCounterVec{}

	// LedgerFilterSize tracks the duplicate filter entry count
	LedgerFilterSize Gauge = NoopStat{}
)

// Routing Metrics
var (
	// RoutesTotal counts route calls by result (ok, error)
	RoutesTotal CounterVec = noopCounterVec{}

	// RouteSeconds measures full route call duration
	RouteSeconds Histogram = NoopStat{}

	// DestinationErrorsTotal counts per-destination routing errors
	DestinationErrorsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Bulk Operation Detector Metrics
	BulkBatchesActive = NewGauge(
		"bulk_batches_active",
		"Number of currently open bulk operation batches",
	)
	BulkFlushesTotal = NewCounterVec(
		"bulk_flushes_total",
		"Batch flushes by trigger",
		[]string{"trigger"},
	)
	BulkEventsTotal = NewCounter(
		"bulk_events_total",
		"Total bulk operation events emitted",
	)
	BulkBatchMembers = NewHistogramWithBuckets(
		"bulk_batch_members",
		"Member count per flushed batch",
		BatchSizeBuckets,
	)
	BulkPassThroughTotal = NewCounter(
		"bulk_pass_through_total",
		"Events handed back individually from below-minimum batches",
	)

	// Transactional Grouping Metrics
	TxnActive = NewGauge(
		"txn_active",
		"Number of currently open transactions",
	)
	TxnTotal = NewCounterVec(
		"txn_total",
		"Terminal transactions by result",
		[]string{"result"},
	)

	// Delivery Metrics
	DeliveryAttemptsTotal = NewCounterVec(
		"delivery_attempts_total",
		"Transport attempts by destination and result",
		[]string{"destination", "result"},
	)
	DeliveryDuplicatesTotal = NewCounter(
		"delivery_duplicates_total",
		"Deliveries short-circuited by the idempotency ledger",
	)
	DeliveryFailedTotal = NewCounter(
		"delivery_failed_total",
		"Deliveries that exhausted their retry budget",
	)
	DeliverySeconds = NewHistogramVec(
		"delivery_seconds",
		"Per-attempt destination latency in seconds",
		[]string{"destination"},
		DeliveryBuckets,
	)
	LedgerEntries = NewGauge(
		"ledger_entries",
		"Current delivery ledger size",
	)
	DedupFilterHits = NewCounterVec(
		"dedup_filter_hits_total",
		"Fast-path duplicate filter outcomes",
		[]string{"outcome"},
	)
	LedgerFilterSize = NewGauge(
		"ledger_filter_size",
		"Duplicate filter entry count",
	)

	// Routing Metrics
	RoutesTotal = NewCounterVec(
		"routes_total",
		"Route calls by result",
		[]string{"result"},
	)
	RouteSeconds = NewHistogramWithBuckets(
		"route_seconds",
		"Full route call duration in seconds",
		RouteBuckets,
	)
	DestinationErrorsTotal = NewCounterVec(
		"destination_errors_total",
		"Per-destination routing errors",
		[]string{"destination"},
	)
}
