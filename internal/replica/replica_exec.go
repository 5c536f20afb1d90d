package replica

import (
	"time"

	"github.com/allen1211/partkv/pkg/common"
)

// executeMutation is the prepare list's commit callback: it runs once for
// every decree that becomes committed, in decree order, on the replica's task
// queue.
func (r *Replica) executeMutation(mu *Mutation) {
	r.logger.Debugf("%s: execute mutation %s: request_count = %d",
		r.name, mu.Name(), len(mu.ClientRequests))

	var err error
	d := mu.Decree()

	switch r.status {
	case common.StatusInactive:
		if r.app.LastCommittedDecree()+1 == d {
			err = r.app.ApplyMutation(mu)
		} else {
			r.logger.Infof("%s: mutation %s commit to %s skipped, app.last_committed_decree = %d",
				r.name, mu.Name(), r.status, r.app.LastCommittedDecree())
		}

	case common.StatusPrimary:
		mu.Tracer.AddPoint("execute")
		r.checkStateCompleteness()
		if r.app.LastCommittedDecree()+1 != d {
			r.logger.Panicf("%s: app commit %d, mutation decree %d",
				r.name, r.app.LastCommittedDecree(), d)
		}
		err = r.app.ApplyMutation(mu)

	case common.StatusSecondary:
		if !r.secondaryStates.checkpointIsRunning {
			r.checkStateCompleteness()
			if r.app.LastCommittedDecree()+1 != d {
				r.logger.Panicf("%s: app commit %d, mutation decree %d",
					r.name, r.app.LastCommittedDecree(), d)
			}
			err = r.app.ApplyMutation(mu)
		} else {
			r.logger.Infof("%s: mutation %s commit to %s skipped, app.last_committed_decree = %d",
				r.name, mu.Name(), r.status, r.app.LastCommittedDecree())

			// the private log must have saved the state; catch-up is done
			// after the checkpoint task finishes
			if r.privateLog == nil {
				r.logger.Panicf("%s: private log is nil while checkpoint is running", r.name)
			}
		}

	case common.StatusPotentialSecondary:
		ls := r.potentialSecondaryStates.learningStatus
		if ls == common.LearningSucceeded || ls == common.LearningWithPrepareTransient {
			if r.app.LastCommittedDecree()+1 != d {
				r.logger.Panicf("%s: app commit %d, mutation decree %d",
					r.name, r.app.LastCommittedDecree(), d)
			}
			err = r.app.ApplyMutation(mu)
		} else {
			r.logger.Infof("%s: mutation %s commit to %s skipped, app.last_committed_decree = %d",
				r.name, mu.Name(), r.status, r.app.LastCommittedDecree())

			// prepare also happens with LearningWithPrepare; the private log
			// saves the state so catch-up can replay it later
			if r.privateLog == nil {
				r.logger.Panicf("%s: private log is nil while learning", r.name)
			}
		}

	case common.StatusPartitionSplit:
		if r.splitStates.isCaughtUp {
			if r.app.LastCommittedDecree()+1 != d {
				r.logger.Panicf("%s: app commit %d, mutation decree %d",
					r.name, r.app.LastCommittedDecree(), d)
			}
			err = r.app.ApplyMutation(mu)
		}

	case common.StatusError:
		// dropped

	default:
		r.logger.Panicf("%s: invalid partition status %s", r.name, r.status)
	}

	if r.verboseCommitLog() {
		r.logger.Infof("TwoPhaseCommit, %s: mutation %s committed, err = %v", r.name, mu.Name(), err)
	}

	if err != nil {
		r.replyToClients(mu, common.ErrAppFailed)
		r.handleLocalFailure(err)
	} else if r.status == common.StatusPrimary {
		// clients are answered once their decree is committed, not merely
		// prepared
		r.replyToClients(mu, common.OK)
	}

	if err == nil && r.duplicating && r.duplicationMgr != nil {
		r.duplicationMgr.OnMutationCommitted(mu)
	}
	r.host.AddCommitQPS(1)

	if r.status == common.StatusPrimary {
		mu.Tracer.AddPoint("completed")
		if r.verboseCommitLog() && mu.Tracer != nil {
			r.logger.Debugf("%s: %s", r.name, mu.Tracer)
		}
		next := r.primaryStates.writeQueue.CheckPossibleWork(
			r.options.StalenessForCommit - int(r.prepareList.MaxDecree()-d))
		if next != nil {
			r.initPrepare(next, false)
		}
	}

	// table level latency is tracked on the primary only
	if r.status == common.StatusPrimary {
		nowNs := time.Now().UnixNano()
		for _, up := range mu.Data.Updates {
			r.counters.observeLatency(up.Code, nowNs-up.StartTimeNs)
		}
	}
}

func (r *Replica) replyToClients(mu *Mutation, err common.Err) {
	for _, req := range mu.ClientRequests {
		r.responseClientWrite(req, OpResponse{Err: err, Decree: mu.Decree()})
	}
	mu.ClientRequests = nil
}

// newMutation constructs an empty mutation under the current ballot.
func (r *Replica) newMutation(decree common.Decree) *Mutation {
	mu := &Mutation{}
	mu.Data.Header.Pid = r.GetGpid()
	mu.Data.Header.Ballot = r.GetBallot()
	mu.Data.Header.Decree = decree
	mu.Data.Header.LogOffset = common.InvalidLogOffset
	mu.Data.Header.Timestamp = time.Now().UnixNano()
	mu.Tracer = MakeTracer(mu.Name())
	return mu
}

// handleLocalFailure is the terminal path for any local apply or log error:
// the replica goes to Error status and stops serving.
func (r *Replica) handleLocalFailure(err error) {
	r.logger.Errorf("%s: local failure: %v", r.name, err)
	if r.status == common.StatusError {
		return
	}
	if r.status == common.StatusPrimary {
		r.cleanupPreparingMutations(common.ErrAppFailed)
		r.primaryStates.cleanup(func(mu *Mutation) {
			r.replyToClients(mu, common.ErrAppFailed)
		})
	}
	r.status = common.StatusError
	r.denyClientWrite = true
	r.lastConfigChangeTimeMs = nowMs()
}
