package replica

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/partkv/internal/netw"
	"github.com/allen1211/partkv/internal/replica/etc"
	"github.com/allen1211/partkv/pkg/common"
)

var testAppIdSeq int32

func nextTestGpid() common.Gpid {
	return common.Gpid{AppId: atomic.AddInt32(&testAppIdSeq, 1), PartitionIndex: 0}
}

func newTestLogger(t *testing.T) *logrus.Logger {
	logger, err := common.InitLogger("debug", "test")
	require.NoError(t, err)
	return logger
}

// mockHost records responses and routes prepare RPCs to in-process peer
// replicas.
type mockHost struct {
	opts etc.ReplicaOptions

	mu        sync.Mutex
	commits   int
	responses []OpResponse
	peers     map[string]*Replica
}

func makeMockHost() *mockHost {
	return &mockHost{
		opts:  etc.MakeDefaultReplicaOptions(),
		peers: map[string]*Replica{},
	}
}

func (h *mockHost) Addr() string { return "127.0.0.1:8800" }

func (h *mockHost) Options() *etc.ReplicaOptions { return &h.opts }

func (h *mockHost) RespondClient(pid common.Gpid, isRead bool, req *OpRequest, resp OpResponse) {
	h.mu.Lock()
	h.responses = append(h.responses, resp)
	h.mu.Unlock()
	select {
	case req.Done <- resp:
	default:
	}
}

func (h *mockHost) SendPrepare(target string, args *netw.PrepareArgs, reply *netw.PrepareReply) bool {
	h.mu.Lock()
	peer := h.peers[target]
	h.mu.Unlock()
	if peer == nil {
		return false
	}
	*reply = peer.OnPrepare(args)
	return true
}

func (h *mockHost) AddCommitQPS(count int) {
	h.mu.Lock()
	h.commits += count
	h.mu.Unlock()
}

func makeTestReplica(t *testing.T, host *mockHost) *Replica {
	pid := nextTestGpid()
	appInfo := common.AppInfo{
		AppId:        pid.AppId,
		AppName:      "test_table",
		AppType:      "partkv",
		PartitionNum: 1,
	}
	r := MakeReplica(host, pid, appInfo, t.TempDir(), false, newTestLogger(t))
	require.NoError(t, r.Open())
	return r
}

// runOn executes f on the replica's task queue and waits for it.
func runOn(t *testing.T, r *Replica, f func()) {
	done := make(chan struct{})
	require.True(t, r.tracker.Enqueue(func() {
		f()
		close(done)
	}))
	<-done
}

func promoteToPrimary(t *testing.T, r *Replica, ballot common.Ballot, secondaries ...string) {
	cfg := common.ReplicaConfig{
		Pid:         r.GetGpid(),
		Ballot:      ballot,
		Primary:     "127.0.0.1:8800",
		Secondaries: secondaries,
	}
	require.NoError(t, r.UpdateLocalConfiguration(cfg, common.StatusPrimary))
}

func deactivate(t *testing.T, r *Replica) {
	cfg := common.ReplicaConfig{Pid: r.GetGpid(), Ballot: r.GetBallot() + 1}
	require.NoError(t, r.UpdateLocalConfiguration(cfg, common.StatusInactive))
}

func put(r *Replica, key, val string) OpResponse {
	req := MakeOpRequest(RpcPut, key, []byte(val))
	return r.OnClientWriteSync(req, 5*time.Second)
}

func get(r *Replica, key string, backup bool) OpResponse {
	req := MakeOpRequest(RpcGet, key, nil)
	req.IsBackupRequest = backup
	r.OnClientRead(req, false)
	resp, _ := req.Wait(5 * time.Second)
	return resp
}

func TestPrimaryHappyPath(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)

	for i, key := range []string{"a", "b", "c"} {
		resp := put(r, key, "v")
		require.Equal(t, common.OK, resp.Err)
		require.Equal(t, common.Decree(i+1), resp.Decree)
	}
	require.Equal(t, common.Decree(3), r.LastCommittedDecree())

	resp := get(r, "b", false)
	require.Equal(t, common.OK, resp.Err)
	require.Equal(t, []byte("v"), resp.Value)

	require.Zero(t, testutil.ToFloat64(
		counterWriteThrottlingReject.WithLabelValues(r.GetGpid().String())))

	deactivate(t, r)
	r.Close()
}

func TestStateInvariants(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)

	lastPrepared := common.Decree(0)
	for i := 0; i < 20; i++ {
		put(r, "k", "v")

		require.GreaterOrEqual(t, r.MaxPreparedDecree(), r.LastCommittedDecree())
		require.GreaterOrEqual(t, r.LastCommittedDecree(), r.LastFlushedDecree())
		require.GreaterOrEqual(t, r.LastFlushedDecree(), r.LastDurableDecree())
		require.GreaterOrEqual(t, r.LastDurableDecree(), common.Decree(0))

		// the safely prepared tail never moves backwards
		lp := common.Decree(0)
		runOn(t, r, func() { lp = r.LastPreparedDecree() })
		require.GreaterOrEqual(t, lp, lastPrepared)
		lastPrepared = lp
	}

	deactivate(t, r)
	r.Close()
}

func TestNewPrimaryRejectsStaleRead(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)

	for i := 0; i < 7; i++ {
		put(r, "k", "v")
	}
	runOn(t, r, func() {
		r.primaryStates.lastPrepareDecreeOnNewPrimary = 10
	})

	// the promoted primary has not committed its inherited window yet
	resp := get(r, "k", false)
	require.Equal(t, common.ErrInvalidState, resp.Err)

	// a backup request may be served from stale state
	resp = get(r, "k", true)
	require.Equal(t, common.OK, resp.Err)

	deactivate(t, r)
	r.Close()
}

func TestBackupRequestQPSCountedOnlyWhenServed(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)

	before := testutil.ToFloat64(counterBackupRequestQPS.WithLabelValues("test_table"))

	// Inactive rejects before the backup branch is reached
	resp := get(r, "k", true)
	require.Equal(t, common.ErrInvalidState, resp.Err)
	require.Equal(t, before,
		testutil.ToFloat64(counterBackupRequestQPS.WithLabelValues("test_table")))

	promoteToPrimary(t, r, 1)
	get(r, "k", true)
	require.Equal(t, before+1,
		testutil.ToFloat64(counterBackupRequestQPS.WithLabelValues("test_table")))

	deactivate(t, r)
	r.Close()
}

func TestSecondarySkipsApplyDuringCheckpoint(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)

	cfg := common.ReplicaConfig{Pid: r.GetGpid(), Ballot: 1, Primary: "peer"}
	require.NoError(t, r.UpdateLocalConfiguration(cfg, common.StatusSecondary))

	var prepErr error
	runOn(t, r, func() {
		r.secondaryStates.checkpointIsRunning = true

		mu := r.newMutation(1)
		mu.AddUpdate(UpdateRecord{Code: RpcPut, Key: "k", Value: []byte("v")})
		if prepErr = r.prepareList.Put(mu); prepErr != nil {
			return
		}
		if prepErr = r.logMutation(mu); prepErr != nil {
			return
		}
		r.prepareList.CommitTo(1)
	})
	require.NoError(t, prepErr)

	// committed in the prepare list, not applied to the app
	require.Equal(t, common.Decree(1), r.LastCommittedDecree())
	require.Equal(t, common.Decree(0), r.app.LastCommittedDecree())
	require.Equal(t, common.StatusSecondary, r.Status())

	// catch-up applies the skipped decree once the checkpoint finishes
	runOn(t, r, func() { r.onCheckpointCompleted(nil) })
	require.Equal(t, common.Decree(1), r.app.LastCommittedDecree())

	deactivate(t, r)
	r.Close()
}

func TestLearnerSkipsApplyUntilReady(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)

	cfg := common.ReplicaConfig{Pid: r.GetGpid(), Ballot: 1, Primary: "peer"}
	require.NoError(t, r.UpdateLocalConfiguration(cfg, common.StatusPotentialSecondary))
	require.NoError(t, r.SetLearnerStatus(common.LearningWithPrepare))

	var prepErr error
	runOn(t, r, func() {
		mu := r.newMutation(1)
		mu.AddUpdate(UpdateRecord{Code: RpcPut, Key: "k", Value: []byte("v")})
		if prepErr = r.prepareList.Put(mu); prepErr != nil {
			return
		}
		if prepErr = r.logMutation(mu); prepErr != nil {
			return
		}
		r.prepareList.CommitTo(1)
	})
	require.NoError(t, prepErr)

	require.Equal(t, common.Decree(1), r.LastCommittedDecree())
	require.Equal(t, common.Decree(0), r.app.LastCommittedDecree())
	require.Equal(t, common.StatusPotentialSecondary, r.Status())

	deactivate(t, r)
	r.Close()
}

// failingApp wraps a state machine and fails the apply of one decree.
type failingApp struct {
	StateMachine
	failAt common.Decree
}

func (f *failingApp) ApplyMutation(mu *Mutation) error {
	if mu.Decree() == f.failAt {
		return errAppBroken
	}
	return f.StateMachine.ApplyMutation(mu)
}

var errAppBroken = &appError{"injected apply failure"}

type appError struct{ msg string }

func (e *appError) Error() string { return e.msg }

func TestLocalFailureTransitionsToError(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)

	for i := 0; i < 3; i++ {
		require.Equal(t, common.OK, put(r, "k", "v").Err)
	}
	runOn(t, r, func() {
		r.app = &failingApp{StateMachine: r.app, failAt: 4}
	})

	resp := put(r, "k", "boom")
	require.Equal(t, common.ErrAppFailed, resp.Err)
	require.Equal(t, common.StatusError, r.Status())

	resp = get(r, "k", false)
	require.Equal(t, common.ErrInvalidState, resp.Err)

	r.Close()
}

func TestCloseReleasesEverything(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)
	put(r, "k", "v")

	deactivate(t, r)
	r.Close()

	require.Nil(t, r.app)
	require.Nil(t, r.privateLog)
	require.Nil(t, r.duplicationMgr)
	require.Nil(t, r.backupMgr)
	require.Nil(t, r.bulkLoader)
	require.Nil(t, r.splitMgr)

	// close is idempotent
	r.Close()
}

func TestCloseRequiresTerminalState(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)

	require.Panics(t, func() { r.Close() })

	deactivate(t, r)
	r.Close()
}

// compactStateApp serves a canned manual compaction state string.
type compactStateApp struct {
	StateMachine
	state string
}

func (a *compactStateApp) QueryCompactState() string { return a.state }

func TestManualCompactStatusParsing(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)

	cases := []struct {
		state  string
		status common.ManualCompactionStatus
	}{
		{"last finish at [-]", common.CompactionIdle},
		{"last finish at [2025-03-01 12:00:00], last used 1500 ms", common.CompactionFinished},
		{"last finish at [-], recent enqueue at [2025-03-01 12:00:00]", common.CompactionQueuing},
		{"last finish at [-], recent enqueue at [2025-03-01 12:00:00], recent start at [2025-03-01 12:00:05]", common.CompactionRunning},
	}
	for _, tc := range cases {
		runOn(t, r, func() {
			r.app = &compactStateApp{StateMachine: r.app, state: tc.state}
		})
		require.Equal(t, tc.status, r.GetManualCompactStatus(), "state %q", tc.state)
	}

	r.Close()
}

func TestCheckpointTriggerRandomization(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)

	maxMs := int64(host.opts.CheckpointMaxIntervalHours) * 3600 * 1000
	for i := 0; i < 50; i++ {
		runOn(t, r, func() { r.updateLastCheckpointGenerateTime() })
		gap := r.nextCheckpointIntervalTriggerTimeMs - r.lastCheckpointGenerateTimeMs
		require.GreaterOrEqual(t, gap, maxMs/2)
		require.LessOrEqual(t, gap, maxMs)
	}

	r.Close()
}

func TestTwoPhaseCommitWithSecondary(t *testing.T) {
	host := makeMockHost()
	primary := makeTestReplica(t, host)
	secondary := makeTestReplica(t, host)

	secondaryAddr := "127.0.0.1:8801"
	host.mu.Lock()
	host.peers[secondaryAddr] = secondary
	host.mu.Unlock()

	cfg := common.ReplicaConfig{Pid: secondary.GetGpid(), Ballot: 1, Primary: host.Addr()}
	require.NoError(t, secondary.UpdateLocalConfiguration(cfg, common.StatusSecondary))

	promoteToPrimary(t, primary, 1, secondaryAddr)

	resp := put(primary, "k1", "v1")
	require.Equal(t, common.OK, resp.Err)
	require.Equal(t, common.Decree(1), primary.LastCommittedDecree())
	require.Equal(t, common.Decree(1), secondary.MaxPreparedDecree())

	// the next prepare piggybacks the primary's committed decree
	resp = put(primary, "k2", "v2")
	require.Equal(t, common.OK, resp.Err)
	require.Equal(t, common.Decree(1), secondary.LastCommittedDecree())
	require.Equal(t, common.Decree(1), secondary.app.LastCommittedDecree())

	deactivate(t, primary)
	primary.Close()
	deactivate(t, secondary)
	secondary.Close()
}

func TestSplitRejectsMigratingRange(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)
	require.Equal(t, common.OK, put(r, "k", "v").Err)

	// reject the whole hash space so any key counts as migrating
	r.StartSplit(0, ^uint32(0))

	resp := put(r, "k", "v2")
	require.Equal(t, common.ErrSplitting, resp.Err)
	resp = get(r, "k", false)
	require.Equal(t, common.ErrSplitting, resp.Err)

	r.FinishSplit()
	require.Equal(t, common.OK, get(r, "k", false).Err)

	deactivate(t, r)
	r.Close()
}

func TestWriteThrottlingReject(t *testing.T) {
	host := makeMockHost()
	host.opts.WriteThrottlingQPS = 1
	host.opts.ThrottlingRejectDelayMs = 1
	r := makeTestReplica(t, host)
	promoteToPrimary(t, r, 1)

	name := r.GetGpid().String()
	before := testutil.ToFloat64(counterWriteThrottlingReject.WithLabelValues(name))

	rejected := false
	for i := 0; i < 10; i++ {
		if put(r, "k", "v").Err == common.ErrBusy {
			rejected = true
		}
	}
	require.True(t, rejected)
	require.Greater(t,
		testutil.ToFloat64(counterWriteThrottlingReject.WithLabelValues(name)), before)

	deactivate(t, r)
	r.Close()
}

func TestOpenReplaysPrivateLog(t *testing.T) {
	host := makeMockHost()
	pid := nextTestGpid()
	appInfo := common.AppInfo{AppId: pid.AppId, AppName: "test_table", AppType: "partkv"}
	dir := t.TempDir()
	logger := newTestLogger(t)

	r := MakeReplica(host, pid, appInfo, dir, false, logger)
	require.NoError(t, r.Open())
	promoteToPrimary(t, r, 1)
	for i := 0; i < 5; i++ {
		require.Equal(t, common.OK, put(r, "k", "v").Err)
	}
	deactivate(t, r)
	r.Close()

	r2 := MakeReplica(host, pid, appInfo, dir, false, logger)
	require.NoError(t, r2.Open())
	require.Equal(t, common.Decree(5), r2.app.LastCommittedDecree())
	require.Equal(t, common.Decree(5), r2.LastCommittedDecree())
	r2.Close()
}

func TestManualCompactStateStrings(t *testing.T) {
	host := makeMockHost()
	r := makeTestReplica(t, host)

	state := r.QueryManualCompactState()
	require.True(t, strings.HasPrefix(state, "last finish at ["), state)
	require.Equal(t, common.CompactionIdle, r.GetManualCompactStatus())

	r.Close()
}
