package replica

import (
	"github.com/pkg/errors"

	"github.com/allen1211/partkv/pkg/common"
)

// UpdateLocalConfiguration applies a configuration decision pushed down by
// the meta service: a new ballot and membership plus the role this replica
// now plays. It is synchronous for the caller but runs on the replica's task
// queue.
func (r *Replica) UpdateLocalConfiguration(cfg common.ReplicaConfig, newStatus common.PartitionStatus) error {
	done := make(chan error, 1)
	if !r.tracker.Enqueue(func() { done <- r.updateLocalConfiguration(cfg, newStatus) }) {
		return errors.New("replica closed")
	}
	return <-done
}

func (r *Replica) updateLocalConfiguration(cfg common.ReplicaConfig, newStatus common.PartitionStatus) error {
	oldStatus := r.status

	if cfg.Ballot < r.config.Ballot {
		return errors.Errorf("%s: stale config at ballot %d < %d", r.name, cfg.Ballot, r.config.Ballot)
	}
	if err := r.checkTransition(oldStatus, newStatus); err != nil {
		return err
	}

	if oldStatus != newStatus {
		r.exitRole(oldStatus, newStatus)
		r.enterRole(newStatus, cfg)
	} else if newStatus == common.StatusPrimary {
		r.primaryStates.membership = cfg
	}

	r.config.Ballot = cfg.Ballot
	r.config.Primary = cfg.Primary
	r.config.Secondaries = cfg.Secondaries
	r.config.Status = int32(newStatus)
	r.status = newStatus
	r.lastConfigChangeTimeMs = nowMs()

	r.logger.Infof("%s: status change %s => %s at ballot %d",
		r.name, oldStatus, newStatus, cfg.Ballot)
	return nil
}

func (r *Replica) checkTransition(from, to common.PartitionStatus) error {
	if from == to {
		return nil
	}
	if to == common.StatusError {
		return nil
	}
	if from == common.StatusError {
		return errors.Errorf("%s: no transition out of Error", r.name)
	}
	if to == common.StatusInactive {
		return nil
	}
	legal := false
	switch from {
	case common.StatusInactive:
		legal = to == common.StatusPrimary || to == common.StatusSecondary ||
			to == common.StatusPotentialSecondary
	case common.StatusPotentialSecondary:
		legal = to == common.StatusSecondary &&
			r.potentialSecondaryStates.learningStatus == common.LearningSucceeded
	case common.StatusSecondary:
		legal = to == common.StatusPrimary || to == common.StatusPartitionSplit
	case common.StatusPrimary:
		legal = to == common.StatusSecondary || to == common.StatusPartitionSplit
	case common.StatusPartitionSplit:
		legal = to == common.StatusPrimary || to == common.StatusSecondary
	}
	if !legal {
		return errors.Errorf("%s: illegal status transition %s => %s", r.name, from, to)
	}
	return nil
}

func (r *Replica) exitRole(from, to common.PartitionStatus) {
	force := to == common.StatusError || to == common.StatusInactive
	switch from {
	case common.StatusPrimary:
		r.cleanupPreparingMutations(common.ErrInvalidState)
		r.primaryStates.cleanup(func(mu *Mutation) {
			r.replyToClients(mu, common.ErrInvalidState)
		})
	case common.StatusSecondary:
		if !r.secondaryStates.cleanup(force) {
			r.logger.Panicf("%s: secondary context is not cleared", r.name)
		}
	case common.StatusPotentialSecondary:
		if !r.potentialSecondaryStates.cleanup(force) {
			r.logger.Panicf("%s: potential secondary context is not cleared", r.name)
		}
	case common.StatusPartitionSplit:
		if !r.splitStates.cleanup(force) {
			r.logger.Panicf("%s: partition split context is not cleared", r.name)
		}
	}
}

func (r *Replica) enterRole(to common.PartitionStatus, cfg common.ReplicaConfig) {
	switch to {
	case common.StatusPrimary:
		r.primaryStates.membership = cfg
		r.primaryStates.writeQueue = MakeWriteQueue(r.options.BatchWriteDisabled)
		// reads stay rejected until the new primary commits its inherited
		// prepared window
		r.primaryStates.lastPrepareDecreeOnNewPrimary = r.MaxPreparedDecree()
	case common.StatusPotentialSecondary:
		r.potentialSecondaryStates.learningStatus = common.LearningWithoutPrepare
		r.potentialSecondaryStates.learningStartTs = nowMs()
	case common.StatusInactive:
		r.inactiveIsTransient = false
	}
}

// SetLearnerStatus advances the learning progress of a potential secondary.
func (r *Replica) SetLearnerStatus(ls common.LearnerStatus) error {
	done := make(chan error, 1)
	ok := r.tracker.Enqueue(func() {
		if r.status != common.StatusPotentialSecondary {
			done <- errors.Errorf("%s: not a potential secondary", r.name)
			return
		}
		r.potentialSecondaryStates.learningStatus = ls
		done <- nil
	})
	if !ok {
		return errors.New("replica closed")
	}
	return <-done
}

// StartSplit overlays the split state on the current role: requests whose key
// hashes into [rangeLow, rangeHigh) are rejected until the split finishes.
func (r *Replica) StartSplit(rangeLow, rangeHigh uint32) {
	r.tracker.Enqueue(func() {
		r.splitStates.splitting = true
		r.splitStates.isCaughtUp = false
		r.splitStates.rangeLow = rangeLow
		r.splitStates.rangeHigh = rangeHigh
	})
}

func (r *Replica) FinishSplit() {
	r.tracker.Enqueue(func() {
		r.splitStates.cleanup(true)
	})
}
