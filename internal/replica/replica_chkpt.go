package replica

import "github.com/allen1211/partkv/pkg/common"

// onCheckpointTimer fires periodically on the replica's task queue and
// generates a checkpoint once the randomized trigger time has passed.
func (r *Replica) onCheckpointTimer() {
	if r.isClosed() || r.app == nil {
		return
	}
	if nowMs() < r.nextCheckpointIntervalTriggerTimeMs {
		return
	}
	r.generateCheckpoint()
}

// TriggerCheckpoint forces a checkpoint without waiting for the interval
// trigger.
func (r *Replica) TriggerCheckpoint() {
	r.tracker.Enqueue(func() {
		if r.isClosed() || r.app == nil {
			return
		}
		r.generateCheckpoint()
	})
}

func (r *Replica) generateCheckpoint() {
	switch r.status {
	case common.StatusPrimary, common.StatusSecondary:
	default:
		return
	}
	if r.status == common.StatusSecondary {
		if r.secondaryStates.checkpointIsRunning {
			return
		}
		r.secondaryStates.checkpointIsRunning = true
	}

	app := r.app
	r.bgWg.Add(1)
	go func() {
		defer r.bgWg.Done()
		err := app.Checkpoint()
		r.tracker.Enqueue(func() { r.onCheckpointCompleted(err) })
	}()
}

func (r *Replica) onCheckpointCompleted(err error) {
	if r.status == common.StatusSecondary && r.secondaryStates.checkpointIsRunning {
		r.secondaryStates.checkpointIsRunning = false
		r.catchUpWithPrivateLog()
	}
	if err != nil {
		r.handleLocalFailure(err)
		return
	}
	r.updateLastCheckpointGenerateTime()
}

// catchUpWithPrivateLog applies the decrees that were committed while the
// checkpoint was running. They are still pinned in the prepare list.
func (r *Replica) catchUpWithPrivateLog() {
	for d := r.app.LastCommittedDecree() + 1; d <= r.LastCommittedDecree(); d++ {
		mu := r.prepareList.GetMutationByDecree(d)
		if mu == nil {
			r.logger.Errorf("%s: catch-up missed decree %d, not in prepare list", r.name, d)
			return
		}
		if err := r.app.ApplyMutation(mu); err != nil {
			r.handleLocalFailure(err)
			return
		}
	}
}
