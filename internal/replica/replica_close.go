package replica

import (
	"sync/atomic"

	"github.com/allen1211/partkv/pkg/common"
)

// Close tears the replica down. The caller must have driven the replica into
// Error or Inactive first, unless a disk migration has reached Moved. Close
// is idempotent.
func (r *Replica) Close() {
	if r.status != common.StatusError && r.status != common.StatusInactive &&
		r.diskMigrator.Status() < common.DiskMigrationMoved {
		r.logger.Panicf("%s: invalid state (partition_status=%s, migration_status=%s) when calling replica close",
			r.name, r.status, r.diskMigrator.Status())
	}

	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return
	}

	startTime := nowMs()

	if r.checkpointTimer != nil {
		r.checkpointTimer.Cancel(true)
		r.checkpointTimer = nil
	}

	if r.app != nil {
		r.app.CancelBackgroundWork(true)
	}

	r.tracker.CancelOutstandingTasks()
	r.bgWg.Wait()

	r.cleanupPreparingMutations(common.ErrClosed)
	if !r.primaryStates.isCleaned() {
		r.logger.Panicf("%s: primary context is not cleared", r.name)
	}

	if r.status == common.StatusInactive {
		if !r.secondaryStates.isCleaned() {
			r.logger.Panicf("%s: secondary context is not cleared", r.name)
		}
		if !r.potentialSecondaryStates.isCleaned() {
			r.logger.Panicf("%s: potential secondary context is not cleared", r.name)
		}
		if !r.splitStates.isCleaned() {
			r.logger.Panicf("%s: partition split context is not cleared", r.name)
		}
	} else {
		// for Error the contexts may still hold resources, clean them here
		r.secondaryStates.cleanup(true)
		r.potentialSecondaryStates.cleanup(true)
		r.splitStates.cleanup(true)
	}

	if r.privateLog != nil {
		r.privateLog.Close()
		r.privateLog = nil
	}

	if r.app != nil {
		app := r.app
		r.app = nil
		if err := app.Close(false); err != nil {
			r.logger.Warnf("%s: close app failed, err = %v", r.name, err)
		}
	}

	if r.diskMigrator.Status() == common.DiskMigrationMoved {
		r.diskMigrator.UpdateReplicaDir()
	} else if r.diskMigrator.Status() == common.DiskMigrationClosed {
		r.diskMigrator = nil
	}

	// duplication may still have tasks referencing the replica, release it
	// before the others
	r.duplicationMgr.Close()
	r.duplicationMgr = nil

	r.backupMgr.Close()
	r.backupMgr = nil

	r.bulkLoader.Close()
	r.bulkLoader = nil

	r.splitMgr.Close()
	r.splitMgr = nil

	r.counters.unregister()

	r.logger.Infof("%s: replica closed, time_used = %dms", r.name, nowMs()-startTime)
}
