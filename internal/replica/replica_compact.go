package replica

import (
	"strings"

	"github.com/allen1211/partkv/pkg/common"
)

// QueryManualCompactState returns the engine's free-form compaction progress
// string.
func (r *Replica) QueryManualCompactState() string {
	if r.app == nil {
		r.logger.Panicf("%s: app is nil on compact state query", r.name)
	}
	return r.app.QueryCompactState()
}

// GetManualCompactStatus parses the engine's progress string. The state
// message looks like:
//   Case1. last finish at [-]                                               - idle
//   Case2. last finish at [timestamp], last used {time_used} ms             - finished
//   Case3. last finish at [-], recent enqueue at [timestamp]                - queuing
//   Case4. last finish at [-], recent enqueue at [ts], recent start at [ts] - running
func (r *Replica) GetManualCompactStatus() common.ManualCompactionStatus {
	compactState := r.QueryManualCompactState()
	if strings.Contains(compactState, "recent start at") {
		return common.CompactionRunning
	} else if strings.Contains(compactState, "recent enqueue at") {
		return common.CompactionQueuing
	} else if strings.Contains(compactState, "last used") {
		return common.CompactionFinished
	}
	return common.CompactionIdle
}

// TriggerManualCompact enqueues a manual compaction on the engine.
func (r *Replica) TriggerManualCompact() {
	if r.app == nil {
		r.logger.Panicf("%s: app is nil on manual compact", r.name)
	}
	r.app.ManualCompact()
}

func (r *Replica) QueryDataVersion() uint32 {
	if r.app == nil {
		r.logger.Panicf("%s: app is nil on data version query", r.name)
	}
	return r.app.QueryDataVersion()
}

func (r *Replica) OnDetectHotkey(action string) (string, error) {
	if r.app == nil {
		r.logger.Panicf("%s: app is nil on hotkey detection", r.name)
	}
	return r.app.OnDetectHotkey(action)
}
