package replica

import (
	"time"

	"github.com/allen1211/partkv/pkg/common"
)

// OnClientRead routes one read request onto the replica's task queue. The
// response is delivered through the host.
func (r *Replica) OnClientRead(req *OpRequest, ignoreThrottling bool) {
	if !r.tracker.Enqueue(func() { r.onClientRead(req, ignoreThrottling) }) {
		r.host.RespondClient(r.config.Pid, true, req, OpResponse{Err: common.ErrClosed})
	}
}

func (r *Replica) onClientRead(req *OpRequest, ignoreThrottling bool) {
	if !r.accessController.Allowed(req) {
		r.responseClientRead(req, OpResponse{Err: common.ErrACLDeny})
		return
	}

	if r.splitStates.inMigratingRange(req.Key) {
		r.responseClientRead(req, OpResponse{Err: common.ErrSplitting})
		return
	}

	if r.status == common.StatusInactive || r.status == common.StatusPotentialSecondary {
		r.responseClientRead(req, OpResponse{Err: common.ErrInvalidState})
		return
	}

	if !ignoreThrottling && r.throttleReadRequest(req) {
		return
	}

	if !req.IsBackupRequest {
		// only a backup request may read from a stale replica

		if r.status != common.StatusPrimary {
			r.responseClientRead(req, OpResponse{Err: common.ErrInvalidState})
			return
		}

		// a newly promoted primary has a small window where its state is not
		// the latest yet
		if r.LastCommittedDecree() < r.primaryStates.lastPrepareDecreeOnNewPrimary {
			r.logger.Errorf("%s: last_committed_decree(%d) < last_prepare_decree_on_new_primary(%d)",
				r.name, r.LastCommittedDecree(), r.primaryStates.lastPrepareDecreeOnNewPrimary)
			r.responseClientRead(req, OpResponse{Err: common.ErrInvalidState})
			return
		}
	} else {
		r.counters.backupRequestQPS.Inc()
	}

	startTimeNs := time.Now().UnixNano()
	if r.app == nil {
		r.logger.Panicf("%s: app is nil on read", r.name)
	}
	resp := r.app.OnRequest(req)

	r.counters.observeLatency(req.Code, time.Now().UnixNano()-startTimeNs)

	r.responseClientRead(req, resp)
}

// throttleReadRequest applies the read throttler. It reports true when the
// request was short-circuited (rejected now or deferred for a later retry).
func (r *Replica) throttleReadRequest(req *OpRequest) bool {
	verdict, delay := r.readThrottle.control()
	switch verdict {
	case throttleDelay:
		r.counters.readThrottlingDelay.Inc()
		r.tracker.EnqueueAfter(delay, func() { r.onClientRead(req, true) })
		return true
	case throttleReject:
		r.counters.readThrottlingReject.Inc()
		r.responseClientRead(req, OpResponse{Err: common.ErrBusy})
		return true
	}
	return false
}
