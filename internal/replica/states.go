package replica

import (
	"hash/crc32"

	"github.com/allen1211/partkv/pkg/common"
)

// Role-state bundles. Exactly one of them is populated at a time; the other
// three must satisfy isCleaned(). Each is cleaned when the replica leaves the
// corresponding role.

type primaryStates struct {
	membership common.ReplicaConfig

	// Highest decree prepared before this replica became primary. Reads are
	// rejected until the replica has committed up to it.
	lastPrepareDecreeOnNewPrimary common.Decree

	writeQueue *WriteQueue
}

func makePrimaryStates(batchWriteDisabled bool) *primaryStates {
	return &primaryStates{
		writeQueue: MakeWriteQueue(batchWriteDisabled),
	}
}

func (ps *primaryStates) isCleaned() bool {
	return len(ps.membership.Secondaries) == 0 && ps.membership.Primary == "" &&
		(ps.writeQueue == nil || ps.writeQueue.Size() == 0)
}

func (ps *primaryStates) cleanup(reply func(mu *Mutation)) bool {
	if ps.writeQueue != nil {
		ps.writeQueue.Clear(reply)
	}
	ps.membership = common.ReplicaConfig{}
	ps.lastPrepareDecreeOnNewPrimary = 0
	return true
}

type secondaryStates struct {
	checkpointIsRunning bool
}

func (ss *secondaryStates) isCleaned() bool {
	return !ss.checkpointIsRunning
}

func (ss *secondaryStates) cleanup(force bool) bool {
	if ss.checkpointIsRunning && !force {
		return false
	}
	ss.checkpointIsRunning = false
	return true
}

type potentialSecondaryStates struct {
	learningStatus  common.LearnerStatus
	learningVersion int64
	learningStartTs int64
}

func makePotentialSecondaryStates() *potentialSecondaryStates {
	return &potentialSecondaryStates{learningStatus: common.LearningInvalid}
}

func (ls *potentialSecondaryStates) isCleaned() bool {
	return ls.learningStatus == common.LearningInvalid
}

func (ls *potentialSecondaryStates) cleanup(force bool) bool {
	if !force &&
		(ls.learningStatus == common.LearningWithPrepare ||
			ls.learningStatus == common.LearningWithPrepareTransient) {
		return false
	}
	ls.learningStatus = common.LearningInvalid
	ls.learningVersion = 0
	ls.learningStartTs = 0
	return true
}

type splitStates struct {
	splitting  bool
	isCaughtUp bool

	// [rangeLow, rangeHigh) of the key hash space being handed to the child
	// partition while the split is in progress.
	rangeLow  uint32
	rangeHigh uint32
}

func (ss *splitStates) isCleaned() bool {
	return !ss.splitting
}

func (ss *splitStates) cleanup(force bool) bool {
	if ss.splitting && !force {
		return false
	}
	ss.splitting = false
	ss.isCaughtUp = false
	ss.rangeLow, ss.rangeHigh = 0, 0
	return true
}

// inMigratingRange reports whether a key belongs to the hash range currently
// being migrated to the child partition.
func (ss *splitStates) inMigratingRange(key string) bool {
	if !ss.splitting || ss.rangeLow == ss.rangeHigh {
		return false
	}
	h := crc32.ChecksumIEEE([]byte(key))
	return h >= ss.rangeLow && h < ss.rangeHigh
}
