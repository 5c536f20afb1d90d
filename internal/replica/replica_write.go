package replica

import (
	"time"

	"github.com/allen1211/partkv/internal/netw"
	"github.com/allen1211/partkv/pkg/common"
)

// OnClientWrite routes one write request onto the replica's task queue.
func (r *Replica) OnClientWrite(req *OpRequest, ignoreThrottling bool) {
	if !r.tracker.Enqueue(func() { r.onClientWrite(req, ignoreThrottling) }) {
		r.host.RespondClient(r.config.Pid, false, req, OpResponse{Err: common.ErrClosed})
	}
}

func (r *Replica) onClientWrite(req *OpRequest, ignoreThrottling bool) {
	if !r.accessController.Allowed(req) {
		r.responseClientWrite(req, OpResponse{Err: common.ErrACLDeny})
		return
	}

	if !isWriteCode(req.Code) {
		r.responseClientWrite(req, OpResponse{Err: common.ErrInvalidState})
		return
	}

	if r.splitStates.inMigratingRange(req.Key) {
		r.responseClientWrite(req, OpResponse{Err: common.ErrSplitting})
		return
	}

	if r.status != common.StatusPrimary {
		r.responseClientWrite(req, OpResponse{Err: common.ErrInvalidState})
		return
	}

	if r.denyClientWrite {
		r.responseClientWrite(req, OpResponse{Err: common.ErrBusy})
		return
	}

	if !ignoreThrottling && r.throttleWriteRequest(req) {
		return
	}

	// a non-idempotent write cannot be shipped to a duplication target
	if r.duplicating && isNonIdempotent(req.Code) {
		r.counters.dupDisabledWrite.Inc()
		r.responseClientWrite(req, OpResponse{Err: common.ErrOperationDisabled})
		return
	}

	mu := r.newMutation(common.InvalidDecree)
	mu.AddUpdate(UpdateRecord{
		Code:        req.Code,
		Key:         req.Key,
		Value:       req.Value,
		StartTimeNs: req.StartTimeNs,
	})
	mu.AddClientRequest(req)
	mu.Tracer.AddPoint("admitted")

	if int(r.MaxPreparedDecree()-r.LastCommittedDecree()) >= r.options.StalenessForCommit {
		// the prepare window is full, the write waits its turn
		r.primaryStates.writeQueue.Add(mu)
		return
	}
	r.initPrepare(mu, false)
}

func (r *Replica) throttleWriteRequest(req *OpRequest) bool {
	verdict, delay := r.writeThrottle.control()
	switch verdict {
	case throttleDelay:
		r.counters.writeThrottlingDelay.Inc()
		r.tracker.EnqueueAfter(delay, func() { r.onClientWrite(req, true) })
		return true
	case throttleReject:
		r.counters.writeThrottlingReject.Inc()
		r.responseClientWrite(req, OpResponse{Err: common.ErrBusy})
		return true
	}
	return false
}

// initPrepare pushes one mutation into the two-phase commit pipeline: assign
// a decree, pin it in the prepare list, persist it in the private log and
// send it to every secondary. The mutation commits once all secondaries have
// acknowledged.
func (r *Replica) initPrepare(mu *Mutation, reconciliation bool) {
	if mu.Decree() == common.InvalidDecree {
		mu.Data.Header.Decree = r.MaxPreparedDecree() + 1
		mu.Data.Header.Ballot = r.GetBallot()
	}
	mu.Tracer.AddPoint("init_prepare")

	if err := r.prepareList.Put(mu); err != nil {
		r.handleLocalFailure(err)
		r.replyToClients(mu, common.ErrAppFailed)
		return
	}

	if err := r.logMutation(mu); err != nil {
		r.handleLocalFailure(err)
		r.replyToClients(mu, common.ErrAppFailed)
		return
	}
	mu.Tracer.AddPoint("logged")

	secondaries := r.primaryStates.membership.Secondaries
	mu.leftSecondaryAckCount = len(secondaries)
	if mu.leftSecondaryAckCount == 0 {
		r.prepareList.CommitTo(mu.Decree())
		return
	}

	args := &netw.PrepareArgs{
		Ballot:        mu.Ballot(),
		Decree:        mu.Decree(),
		MutationData:  mu.Encode(),
		LastCommitted: r.LastCommittedDecree(),
	}
	args.SetPid(r.config.Pid)
	ballotAtPrepare := r.GetBallot()

	for _, target := range secondaries {
		target := target
		go func() {
			reply := &netw.PrepareReply{}
			ok := r.host.SendPrepare(target, args, reply)
			r.tracker.Enqueue(func() {
				r.onPrepareReply(mu, target, ballotAtPrepare, ok && reply.Err == common.OK)
			})
		}()
	}
}

func (r *Replica) logMutation(mu *Mutation) error {
	if r.privateLog == nil {
		r.logger.Panicf("%s: private log is nil on prepare", r.name)
	}
	offset, err := r.privateLog.Append(mu)
	if err != nil {
		return err
	}
	mu.Data.Header.LogOffset = offset
	mu.SetLogged()
	r.counters.privateLogSize.Set(float64(r.privateLog.Size()) / (1 << 20))
	return nil
}

func (r *Replica) onPrepareReply(mu *Mutation, target string, ballotAtPrepare common.Ballot, ack bool) {
	if r.status != common.StatusPrimary || r.GetBallot() != ballotAtPrepare {
		return
	}
	if !ack {
		r.logger.Errorf("%s: mutation %s prepare not acked by %s", r.name, mu.Name(), target)
		r.replyToClients(mu, common.ErrNotEnoughSecondaries)
		return
	}
	mu.Tracer.AddPoint("acked")
	mu.leftSecondaryAckCount--
	if mu.leftSecondaryAckCount == 0 {
		r.prepareList.CommitTo(mu.Decree())
	}
}

// OnPrepare handles the first commit phase on a secondary or learner. It is
// synchronous for the caller but runs on the replica's task queue.
func (r *Replica) OnPrepare(args *netw.PrepareArgs) netw.PrepareReply {
	done := make(chan netw.PrepareReply, 1)
	if !r.tracker.Enqueue(func() { done <- r.onPrepare(args) }) {
		return netw.PrepareReply{Err: common.ErrClosed}
	}
	return <-done
}

func (r *Replica) onPrepare(args *netw.PrepareArgs) netw.PrepareReply {
	reply := netw.PrepareReply{Ballot: r.GetBallot(), Decree: args.Decree}

	if args.Ballot < r.GetBallot() {
		r.logger.Warnf("%s: stale prepare at ballot %d < %d", r.name, args.Ballot, r.GetBallot())
		reply.Err = common.ErrInvalidState
		return reply
	}
	if args.Ballot > r.config.Ballot {
		// the primary is ahead of our configuration view
		r.config.Ballot = args.Ballot
	}

	switch r.status {
	case common.StatusSecondary:
	case common.StatusPartitionSplit:
	case common.StatusPotentialSecondary:
		ls := r.potentialSecondaryStates.learningStatus
		if ls != common.LearningWithPrepare && ls != common.LearningWithPrepareTransient &&
			ls != common.LearningSucceeded {
			reply.Err = common.ErrInvalidState
			return reply
		}
	default:
		reply.Err = common.ErrInvalidState
		return reply
	}

	mu, err := DecodeMutation(args.MutationData)
	if err != nil {
		r.logger.Errorf("%s: undecodable prepare at decree %d: %v", r.name, args.Decree, err)
		reply.Err = common.ErrAppFailed
		return reply
	}
	mu.logged = false
	if mu.Decree() > r.LastCommittedDecree() {
		if err := r.prepareList.Put(mu); err != nil {
			r.logger.Errorf("%s: prepare %s rejected: %v", r.name, mu.Name(), err)
			reply.Err = common.ErrObjectNotFound
			return reply
		}
		if err := r.logMutation(mu); err != nil {
			r.handleLocalFailure(err)
			reply.Err = common.ErrAppFailed
			return reply
		}
	}

	r.prepareList.CommitTo(args.LastCommitted)

	reply.Err = common.OK
	reply.Ballot = r.GetBallot()
	return reply
}

// cleanupPreparingMutations abandons every mutation that is prepared but not
// yet committed, replying to their clients if this replica was the primary.
func (r *Replica) cleanupPreparingMutations(err common.Err) {
	for d := r.LastCommittedDecree() + 1; d <= r.MaxPreparedDecree(); d++ {
		mu := r.prepareList.GetMutationByDecree(d)
		if mu == nil {
			continue
		}
		r.replyToClients(mu, err)
	}
	if r.primaryStates.writeQueue != nil {
		r.primaryStates.writeQueue.Clear(func(mu *Mutation) {
			r.replyToClients(mu, err)
		})
	}
}

// OnClientWriteSync submits the write and waits for the committed response;
// the node's rpc handlers are synchronous so they go through here.
func (r *Replica) OnClientWriteSync(req *OpRequest, timeout time.Duration) OpResponse {
	r.OnClientWrite(req, false)
	resp, _ := req.Wait(timeout)
	return resp
}
