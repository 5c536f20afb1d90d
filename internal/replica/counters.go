package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-replica and per-table counters. Replicas of the same table share the
// table-labeled collectors; replica-labeled series are deleted when the
// replica closes.
var (
	counterPrivateLogSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "partkv",
		Subsystem: "replica",
		Name:      "private_log_size_mb",
		Help:      "private log size in MB",
	}, []string{"replica"})

	counterWriteThrottlingDelay = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partkv",
		Subsystem: "replica",
		Name:      "recent_write_throttling_delay_count",
		Help:      "recent write throttling delay count",
	}, []string{"replica"})

	counterWriteThrottlingReject = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partkv",
		Subsystem: "replica",
		Name:      "recent_write_throttling_reject_count",
		Help:      "recent write throttling reject count",
	}, []string{"replica"})

	counterReadThrottlingDelay = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partkv",
		Subsystem: "replica",
		Name:      "recent_read_throttling_delay_count",
		Help:      "recent read throttling delay count",
	}, []string{"replica"})

	counterReadThrottlingReject = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partkv",
		Subsystem: "replica",
		Name:      "recent_read_throttling_reject_count",
		Help:      "recent read throttling reject count",
	}, []string{"replica"})

	counterDupDisabledNonIdempotentWrite = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partkv",
		Subsystem: "replica",
		Name:      "dup_disabled_non_idempotent_write_count",
		Help:      "non-idempotent writes rejected while duplication is enabled",
	}, []string{"table"})

	counterBackupRequestQPS = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partkv",
		Subsystem: "replica",
		Name:      "backup_request_total",
		Help:      "backup requests served",
	}, []string{"table"})

	counterTableLevelLatency = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "partkv",
		Subsystem:  "replica",
		Name:       "table_level_latency_ns",
		Help:       "per storage-rpc-code request latency in nanoseconds",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001, 0.999: 0.0001},
	}, []string{"table", "code"})
)

// replicaCounters caches the resolved label handles of one replica.
type replicaCounters struct {
	name  string
	table string

	privateLogSize        prometheus.Gauge
	writeThrottlingDelay  prometheus.Counter
	writeThrottlingReject prometheus.Counter
	readThrottlingDelay   prometheus.Counter
	readThrottlingReject  prometheus.Counter
	dupDisabledWrite      prometheus.Counter
	backupRequestQPS      prometheus.Counter

	// one observer per code in StorageRpcReqCodes, nil for any other code
	tableLevelLatency map[string]prometheus.Observer
}

func makeReplicaCounters(name, table string) *replicaCounters {
	rc := &replicaCounters{
		name:  name,
		table: table,

		privateLogSize:        counterPrivateLogSize.WithLabelValues(name),
		writeThrottlingDelay:  counterWriteThrottlingDelay.WithLabelValues(name),
		writeThrottlingReject: counterWriteThrottlingReject.WithLabelValues(name),
		readThrottlingDelay:   counterReadThrottlingDelay.WithLabelValues(name),
		readThrottlingReject:  counterReadThrottlingReject.WithLabelValues(name),
		dupDisabledWrite:      counterDupDisabledNonIdempotentWrite.WithLabelValues(table),
		backupRequestQPS:      counterBackupRequestQPS.WithLabelValues(table),

		tableLevelLatency: make(map[string]prometheus.Observer),
	}
	for _, code := range StorageRpcReqCodes {
		rc.tableLevelLatency[code] = counterTableLevelLatency.WithLabelValues(table, code)
	}
	return rc
}

func (rc *replicaCounters) observeLatency(code string, ns int64) {
	if obs, ok := rc.tableLevelLatency[code]; ok {
		obs.Observe(float64(ns))
	}
}

// unregister drops the replica-labeled series. Table-labeled series stay,
// they are shared with the other replicas of the same table.
func (rc *replicaCounters) unregister() {
	counterPrivateLogSize.DeleteLabelValues(rc.name)
	counterWriteThrottlingDelay.DeleteLabelValues(rc.name)
	counterWriteThrottlingReject.DeleteLabelValues(rc.name)
	counterReadThrottlingDelay.DeleteLabelValues(rc.name)
	counterReadThrottlingReject.DeleteLabelValues(rc.name)
}
