package etc

// ReplicaOptions are the process-wide knobs shared by every replica of one
// host.
type ReplicaOptions struct {
	StalenessForCommit            int   `json:"staleness_for_commit"`
	BatchWriteDisabled            bool  `json:"batch_write_disabled"`
	MaxMutationCountInPrepareList int   `json:"max_mutation_count_in_prepare_list"`
	CheckpointMaxIntervalHours    int   `json:"checkpoint_max_interval_hours"`
	CheckpointCheckIntervalSec    int   `json:"checkpoint_check_interval_sec"`
	VerboseCommitLog              bool  `json:"verbose_commit_log"`

	ReadThrottlingQPS       int   `json:"read_throttling_qps"`
	WriteThrottlingQPS      int   `json:"write_throttling_qps"`
	ThrottlingRejectDelayMs int64 `json:"throttling_reject_delay_ms"`

	LogLevel string `json:"log_level"`
}

func MakeDefaultReplicaOptions() ReplicaOptions {
	return ReplicaOptions{
		StalenessForCommit:            10,
		BatchWriteDisabled:            false,
		MaxMutationCountInPrepareList: 500,
		CheckpointMaxIntervalHours:    2,
		CheckpointCheckIntervalSec:    60,
		VerboseCommitLog:              false,
		ReadThrottlingQPS:             0,
		WriteThrottlingQPS:            0,
		ThrottlingRejectDelayMs:       100,
		LogLevel:                      "info",
	}
}
