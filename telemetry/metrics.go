package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// BarrierBuckets for end-to-end checkpoint latency (inject to commit)
	BarrierBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// StoreBuckets for metadata store round trips
	StoreBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// DDLBuckets for DDL statements that wait on a checkpoint
	DDLBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// Cluster Metrics
var (
	// ClusterNodes tracks node count by role and state
	ClusterNodes GaugeVec = noopGaugeVec

	// NodeStateTransitionsTotal counts state transitions (from -> to)
	NodeStateTransitionsTotal CounterVec = noopCounterVec

	// HeartbeatsTotal counts heartbeats by result (ok, unknown)
	HeartbeatsTotal CounterVec = noopCounterVec

	// LeaseExpiriesTotal counts nodes declared dead by the lease sweep
	LeaseExpiriesTotal Counter = NoopStat{}
)

// Barrier Metrics
var (
	// BarrierLatencySeconds measures injection to commit latency
	BarrierLatencySeconds Histogram = NoopStat{}

	// BarrierPhaseSeconds measures time spent per phase (inject, collect, commit)
	BarrierPhaseSeconds HistogramVec = noopHistogramVec

	// BarriersTotal counts finished checkpoints by result (committed, failed)
	BarriersTotal CounterVec = noopCounterVec

	// BarrierFailuresTotal counts failed checkpoints by reason
	BarrierFailuresTotal CounterVec = noopCounterVec

	// CommittedEpoch is the last committed epoch
	CommittedEpoch Gauge = NoopStat{}

	// ConsecutiveBarrierFailures is the current failure streak
	ConsecutiveBarrierFailures Gauge = NoopStat{}

	// InFlightActors is the number of actors expected to report for the in-flight epoch
	InFlightActors Gauge = NoopStat{}

	// CollectReportsTotal counts barrier reports by result (accepted, duplicate, stale, unexpected)
	CollectReportsTotal CounterVec = noopCounterVec
)

// Catalog / DDL Metrics
var (
	// DDLOperationsTotal counts DDL statements by kind and result
	DDLOperationsTotal CounterVec = noopCounterVec

	// DDLDurationSeconds measures DDL latency by kind
	DDLDurationSeconds HistogramVec = noopHistogramVec

	// DDLLockWaitSeconds measures time waiting for the per-database DDL lock
	DDLLockWaitSeconds Histogram = NoopStat{}

	// CatalogVersion is the current catalog version
	CatalogVersion Gauge = NoopStat{}

	// CatalogObjects tracks object count by kind
	CatalogObjects GaugeVec = noopGaugeVec
)

// Scheduler Metrics
var (
	// ScheduledActors tracks actor count per node
	ScheduledActors GaugeVec = noopGaugeVec

	// SchedulingTotal counts placement requests by trigger and result
	SchedulingTotal CounterVec = noopCounterVec
)

// Hummock Metrics
var (
	// HummockVersionID is the current storage version id
	HummockVersionID Gauge = NoopStat{}

	// HummockPinnedVersions is the number of live pins
	HummockPinnedVersions Gauge = NoopStat{}

	// HummockLevelFiles tracks file count per level
	HummockLevelFiles GaugeVec = noopGaugeVec

	// HummockLevelBytes tracks total size per level
	HummockLevelBytes GaugeVec = noopGaugeVec

	// CompactionTasksTotal counts task transitions by result (assigned, finished, failed, cancelled, timeout)
	CompactionTasksTotal CounterVec = noopCounterVec

	// CompactionTasksPending is the number of tasks waiting for a worker
	CompactionTasksPending Gauge = NoopStat{}

	// CompactionAlertsTotal counts tasks cancelled after repeated failures
	CompactionAlertsTotal Counter = NoopStat{}

	// HummockGCVersionsTotal counts versions deleted by GC
	HummockGCVersionsTotal Counter = NoopStat{}
)

// Notification Metrics
var (
	// NotifySubscribers is the number of live subscriptions
	NotifySubscribers Gauge = NoopStat{}

	// NotifyEventsTotal counts published events by topic
	NotifyEventsTotal CounterVec = noopCounterVec

	// NotifyDroppedSubscribersTotal counts subscribers disconnected for falling behind
	NotifyDroppedSubscribersTotal Counter = NoopStat{}

	// SinkPublishTotal counts external sink publishes by sink and result
	SinkPublishTotal CounterVec = noopCounterVec
)

// Store / Leadership Metrics
var (
	// StoreOpsTotal counts metadata store operations by op and result
	StoreOpsTotal CounterVec = noopCounterVec

	// StoreOpSeconds measures metadata store latency by op
	StoreOpSeconds HistogramVec = noopHistogramVec

	// IsLeader is 1 while this meta node holds leadership
	IsLeader Gauge = NoopStat{}

	// LeadershipChangesTotal counts acquired and lost leadership events
	LeadershipChangesTotal CounterVec = noopCounterVec
)

// InitMetrics creates all metrics on the active registry. With no registry
// every metric is a noop.
func InitMetrics() {
	ClusterNodes = NewGaugeVec(
		"cluster_nodes",
		"Number of worker nodes by role and state",
		[]string{"role", "state"},
	)
	NodeStateTransitionsTotal = NewCounterVec(
		"node_state_transitions_total",
		"Worker node state transitions",
		[]string{"from", "to"},
	)
	HeartbeatsTotal = NewCounterVec(
		"heartbeats_total",
		"Heartbeats received by result",
		[]string{"result"},
	)
	LeaseExpiriesTotal = NewCounter(
		"lease_expiries_total",
		"Worker nodes declared dead after lease expiry",
	)

	BarrierLatencySeconds = NewHistogramWithBuckets(
		"barrier_latency_seconds",
		"Checkpoint latency from injection to commit",
		BarrierBuckets,
	)
	BarrierPhaseSeconds = NewHistogramVec(
		"barrier_phase_seconds",
		"Time spent in each checkpoint phase",
		[]string{"phase"},
		BarrierBuckets,
	)
	BarriersTotal = NewCounterVec(
		"barriers_total",
		"Finished checkpoints by result",
		[]string{"result"},
	)
	BarrierFailuresTotal = NewCounterVec(
		"barrier_failures_total",
		"Failed checkpoints by reason",
		[]string{"reason"},
	)
	CommittedEpoch = NewGauge(
		"committed_epoch",
		"Last committed epoch",
	)
	ConsecutiveBarrierFailures = NewGauge(
		"barrier_consecutive_failures",
		"Current streak of failed checkpoints",
	)
	InFlightActors = NewGauge(
		"barrier_inflight_actors",
		"Actors expected to report for the in-flight epoch",
	)
	CollectReportsTotal = NewCounterVec(
		"barrier_collect_reports_total",
		"Barrier reports by result",
		[]string{"result"},
	)

	DDLOperationsTotal = NewCounterVec(
		"ddl_operations_total",
		"DDL operations by kind and result",
		[]string{"kind", "result"},
	)
	DDLDurationSeconds = NewHistogramVec(
		"ddl_duration_seconds",
		"DDL latency by kind",
		[]string{"kind"},
		DDLBuckets,
	)
	DDLLockWaitSeconds = NewHistogramWithBuckets(
		"ddl_lock_wait_seconds",
		"Time waiting for the DDL lock in seconds",
		DDLBuckets,
	)
	CatalogVersion = NewGauge(
		"catalog_version",
		"Current catalog version",
	)
	CatalogObjects = NewGaugeVec(
		"catalog_objects",
		"Catalog objects by kind",
		[]string{"kind"},
	)

	ScheduledActors = NewGaugeVec(
		"scheduled_actors",
		"Actors placed per worker node",
		[]string{"node"},
	)
	SchedulingTotal = NewCounterVec(
		"scheduling_total",
		"Placement requests by trigger and result",
		[]string{"trigger", "result"},
	)

	HummockVersionID = NewGauge(
		"hummock_version_id",
		"Current storage version id",
	)
	HummockPinnedVersions = NewGauge(
		"hummock_pinned_versions",
		"Live version pins",
	)
	HummockLevelFiles = NewGaugeVec(
		"hummock_level_files",
		"Storage files per level",
		[]string{"level"},
	)
	HummockLevelBytes = NewGaugeVec(
		"hummock_level_bytes",
		"Storage bytes per level",
		[]string{"level"},
	)
	CompactionTasksTotal = NewCounterVec(
		"compaction_tasks_total",
		"Compaction task transitions by result",
		[]string{"result"},
	)
	CompactionTasksPending = NewGauge(
		"compaction_tasks_pending",
		"Compaction tasks waiting for a worker",
	)
	CompactionAlertsTotal = NewCounter(
		"compaction_alerts_total",
		"Compaction tasks cancelled after repeated failures",
	)
	HummockGCVersionsTotal = NewCounter(
		"hummock_gc_versions_total",
		"Storage versions deleted by GC",
	)

	NotifySubscribers = NewGauge(
		"notify_subscribers",
		"Live notification subscriptions",
	)
	NotifyEventsTotal = NewCounterVec(
		"notify_events_total",
		"Published notification events by topic",
		[]string{"topic"},
	)
	NotifyDroppedSubscribersTotal = NewCounter(
		"notify_dropped_subscribers_total",
		"Subscribers disconnected for falling behind",
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"External sink publishes by sink and result",
		[]string{"sink", "result"},
	)

	StoreOpsTotal = NewCounterVec(
		"store_ops_total",
		"Metadata store operations by op and result",
		[]string{"op", "result"},
	)
	StoreOpSeconds = NewHistogramVec(
		"store_op_seconds",
		"Metadata store latency by op",
		[]string{"op"},
		StoreBuckets,
	)
	IsLeader = NewGauge(
		"is_leader",
		"1 while this meta node is the leader",
	)
	LeadershipChangesTotal = NewCounterVec(
		"leadership_changes_total",
		"Leadership acquired and lost events",
		[]string{"event"},
	)
}
