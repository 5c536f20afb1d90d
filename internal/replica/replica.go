package replica

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/partkv/internal/netw"
	"github.com/allen1211/partkv/internal/replica/etc"
	"github.com/allen1211/partkv/pkg/common"
	"github.com/allen1211/partkv/pkg/common/utils"
)

const appInfoFileName = ".app-info"

// Host is the process-wide container a replica runs inside. It dispatches
// RPCs, owns shared counters and configuration, and delivers client
// responses.
type Host interface {
	Addr() string
	Options() *etc.ReplicaOptions
	RespondClient(pid common.Gpid, isRead bool, req *OpRequest, resp OpResponse)
	SendPrepare(target string, args *netw.PrepareArgs, reply *netw.PrepareReply) bool
	AddCommitQPS(count int)
}

// Replica is the single-replica state machine of one partition: it owns the
// partition's durable state, applies ordered mutations to it and drives the
// two-phase commit protocol against its peers.
type Replica struct {
	logger *logrus.Logger
	host   Host
	name   string

	appInfo common.AppInfo
	dir     string

	config common.ReplicaConfig
	status common.PartitionStatus

	app         StateMachine
	privateLog  *PrivateLog
	prepareList *PrepareList

	primaryStates            *primaryStates
	secondaryStates          secondaryStates
	potentialSecondaryStates *potentialSecondaryStates
	splitStates              splitStates

	duplicationMgr *DuplicationManager
	backupMgr      *BackupManager
	bulkLoader     *BulkLoader
	splitMgr       *SplitManager
	diskMigrator   *DiskMigrator

	accessController AccessController
	readThrottle     *throttleController
	writeThrottle    *throttleController
	counters         *replicaCounters

	tracker         *taskTracker
	checkpointTimer *taskTimer

	options   *etc.ReplicaOptions
	extraEnvs map[string]string

	createTimeMs                        int64
	lastConfigChangeTimeMs              int64
	lastCheckpointGenerateTimeMs        int64
	nextCheckpointIntervalTriggerTimeMs int64

	denyClientWrite     bool
	inactiveIsTransient bool
	isInitializing      bool
	duplicating         bool

	closed int32
	bgWg   sync.WaitGroup

	rand common.ThreadSafeRand
}

func MakeReplica(host Host, pid common.Gpid, appInfo common.AppInfo, dir string,
	needRestore bool, logger *logrus.Logger) *Replica {

	if appInfo.AppType == "" {
		logger.Panicf("replica %s: empty app type", pid)
	}

	r := &Replica{
		logger:    logger,
		host:      host,
		name:      fmt.Sprintf("%s@%s", pid, host.Addr()),
		appInfo:   appInfo,
		dir:       dir,
		options:   host.Options(),
		extraEnvs: map[string]string{},
		rand:      common.MakeThreadSafeRand(time.Now().UnixNano()),

		primaryStates:            makePrimaryStates(host.Options().BatchWriteDisabled),
		potentialSecondaryStates: makePotentialSecondaryStates(),

		duplicating: appInfo.Duplicating,
	}
	r.initState()
	r.config.Pid = pid

	r.duplicationMgr = makeDuplicationManager(r)
	r.backupMgr = makeBackupManager(r)
	r.bulkLoader = makeBulkLoader(r)
	r.splitMgr = makeSplitManager(r)
	r.diskMigrator = makeDiskMigrator(r)

	r.counters = makeReplicaCounters(pid.String(), appInfo.AppName)

	if needRestore {
		r.extraEnvs["force_restore"] = "true"
	}

	r.accessController = MakeAccessController(appInfo.Envs)
	r.readThrottle = makeThrottleController(r.options.ReadThrottlingQPS, r.options.ThrottlingRejectDelayMs)
	r.writeThrottle = makeThrottleController(r.options.WriteThrottlingQPS, r.options.ThrottlingRejectDelayMs)

	r.tracker = makeTaskTracker(1024)
	checkEvery := r.options.CheckpointCheckIntervalSec
	if checkEvery <= 0 {
		checkEvery = 60
	}
	r.checkpointTimer = r.tracker.EnqueueEvery(time.Duration(checkEvery)*time.Second, r.onCheckpointTimer)

	return r
}

func (r *Replica) initState() {
	r.inactiveIsTransient = false
	r.isInitializing = false
	r.denyClientWrite = false
	r.prepareList = MakePrepareList(0, r.options.MaxMutationCountInPrepareList, r.executeMutation)

	r.config.Ballot = 0
	r.config.Pid = common.Gpid{}
	r.status = common.StatusInactive
	r.createTimeMs = nowMs()
	r.lastConfigChangeTimeMs = r.createTimeMs
	r.updateLastCheckpointGenerateTime()
	r.privateLog = nil
}

// Open loads the replica's persistent state: the .app-info file, the kv
// engine and the private log, replaying logged mutations beyond the engine's
// committed decree back into the prepare list.
func (r *Replica) Open() error {
	if r.app != nil {
		return errors.New("replica already opened")
	}
	if err := utils.CheckAndMkdir(r.dir); err != nil {
		return errors.Wrap(err, "create replica dir")
	}
	if err := r.writeAppInfo(); err != nil {
		return err
	}

	envs := map[string]string{}
	for k, v := range r.appInfo.Envs {
		envs[k] = v
	}
	for k, v := range r.extraEnvs {
		envs[k] = v
	}

	app, err := MakeKVEngine(r.dir, envs, r.logger)
	if err != nil {
		return err
	}
	r.app = app

	plog, err := MakePrivateLog(r.dir, r.logger)
	if err != nil {
		_ = app.Close(false)
		r.app = nil
		return err
	}
	r.privateLog = plog

	r.prepareList.Reset(app.LastCommittedDecree())
	err = plog.Replay(func(mu *Mutation) error {
		if mu.Decree() <= app.LastCommittedDecree() {
			return nil
		}
		return r.prepareList.Put(mu)
	})
	if err != nil {
		return errors.Wrap(err, "replay private log")
	}

	r.counters.privateLogSize.Set(float64(plog.Size()) / (1 << 20))
	r.logger.Infof("%s: opened, app committed decree = %d, max prepared decree = %d",
		r.name, app.LastCommittedDecree(), r.prepareList.MaxDecree())
	return nil
}

func (r *Replica) writeAppInfo() error {
	data, err := json.MarshalIndent(&r.appInfo, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal app info")
	}
	if err := utils.WriteFile(filepath.Join(r.dir, appInfoFileName), data); err != nil {
		return errors.Wrap(err, "write app info")
	}
	return nil
}

func (r *Replica) Name() string {
	return r.name
}

func (r *Replica) GetGpid() common.Gpid {
	return r.config.Pid
}

func (r *Replica) GetBallot() common.Ballot {
	return r.config.Ballot
}

func (r *Replica) Status() common.PartitionStatus {
	return r.status
}

func (r *Replica) Dir() string {
	return r.dir
}

func (r *Replica) ExtraEnvs() map[string]string {
	return r.extraEnvs
}

func (r *Replica) LastCommittedDecree() common.Decree {
	return r.prepareList.LastCommittedDecree()
}

func (r *Replica) MaxPreparedDecree() common.Decree {
	return r.prepareList.MaxDecree()
}

func (r *Replica) LastDurableDecree() common.Decree {
	if r.app == nil {
		return 0
	}
	return r.app.LastDurableDecree()
}

func (r *Replica) LastFlushedDecree() common.Decree {
	if r.app == nil {
		return 0
	}
	return r.app.LastFlushedDecree()
}

// LastPreparedDecree walks forward from the committed point and returns the
// highest decree of the safely prepared tail: contiguous, logged, with
// non-decreasing ballots.
func (r *Replica) LastPreparedDecree() common.Decree {
	var lastBallot common.Ballot
	start := r.LastCommittedDecree()
	for {
		mu := r.prepareList.GetMutationByDecree(start + 1)
		if mu == nil || mu.Ballot() < lastBallot || !mu.IsLogged() {
			break
		}
		start++
		lastBallot = mu.Ballot()
	}
	return start
}

func (r *Replica) PrivateLogSize() int64 {
	if r.privateLog == nil {
		return 0
	}
	return r.privateLog.Size()
}

// checkStateCompleteness asserts prepared >= committed >= durable. A
// violation is a design bug, not a recoverable error.
func (r *Replica) checkStateCompleteness() {
	if r.MaxPreparedDecree() < r.LastCommittedDecree() {
		r.logger.Panicf("%s: max prepared decree %d < last committed decree %d",
			r.name, r.MaxPreparedDecree(), r.LastCommittedDecree())
	}
	if r.LastCommittedDecree() < r.LastDurableDecree() {
		r.logger.Panicf("%s: last committed decree %d < last durable decree %d",
			r.name, r.LastCommittedDecree(), r.LastDurableDecree())
	}
}

// updateLastCheckpointGenerateTime arms the next checkpoint trigger at a
// uniformly random point in [max/2, max] to avoid synchronized flush storms
// across replicas.
func (r *Replica) updateLastCheckpointGenerateTime() {
	r.lastCheckpointGenerateTimeMs = nowMs()
	maxIntervalMs := uint64(r.options.CheckpointMaxIntervalHours) * 3600 * 1000
	r.nextCheckpointIntervalTriggerTimeMs =
		r.lastCheckpointGenerateTimeMs + int64(r.rand.Uint64Range(maxIntervalMs/2, maxIntervalMs))
}

func (r *Replica) verboseCommitLog() bool {
	return r.options.VerboseCommitLog
}

func (r *Replica) responseClientRead(req *OpRequest, resp OpResponse) {
	resp.Status = r.status
	r.host.RespondClient(r.config.Pid, true, req, resp)
}

func (r *Replica) responseClientWrite(req *OpRequest, resp OpResponse) {
	resp.Status = r.status
	r.host.RespondClient(r.config.Pid, false, req, resp)
}

func (r *Replica) isClosed() bool {
	return atomic.LoadInt32(&r.closed) == 1
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
