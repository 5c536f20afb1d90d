package common

import "fmt"

//go:generate msgp

// Decree is the monotonically increasing position of a mutation in one
// partition's replicated log.
type Decree int64

// Ballot identifies a primary term; it is bumped on every reconfiguration.
type Ballot int64

const (
	InvalidDecree    Decree = -1
	InvalidLogOffset int64  = -1
)

// Gpid identifies one partition of one table.
type Gpid struct {
	AppId          int32
	PartitionIndex int32
}

func (g Gpid) String() string {
	return fmt.Sprintf("%d.%d", g.AppId, g.PartitionIndex)
}

type PartitionStatus int

const (
	StatusInactive PartitionStatus = iota
	StatusError
	StatusPrimary
	StatusSecondary
	StatusPotentialSecondary
	StatusPartitionSplit
)

func (s PartitionStatus) String() string {
	switch s {
	case StatusInactive:
		return "Inactive"
	case StatusError:
		return "Error"
	case StatusPrimary:
		return "Primary"
	case StatusSecondary:
		return "Secondary"
	case StatusPotentialSecondary:
		return "PotentialSecondary"
	case StatusPartitionSplit:
		return "PartitionSplit"
	}
	return "Unknown"
}

type LearnerStatus int

const (
	LearningWithoutPrepare LearnerStatus = iota
	LearningWithPrepareTransient
	LearningWithPrepare
	LearningSucceeded
	LearningFailed
	LearningInvalid
)

func (s LearnerStatus) String() string {
	switch s {
	case LearningWithoutPrepare:
		return "LearningWithoutPrepare"
	case LearningWithPrepareTransient:
		return "LearningWithPrepareTransient"
	case LearningWithPrepare:
		return "LearningWithPrepare"
	case LearningSucceeded:
		return "LearningSucceeded"
	case LearningFailed:
		return "LearningFailed"
	}
	return "LearningInvalid"
}

type DiskMigrationStatus int

const (
	DiskMigrationIdle DiskMigrationStatus = iota
	DiskMigrationMoving
	DiskMigrationMoved
	DiskMigrationClosed
)

func (s DiskMigrationStatus) String() string {
	switch s {
	case DiskMigrationIdle:
		return "Idle"
	case DiskMigrationMoving:
		return "Moving"
	case DiskMigrationMoved:
		return "Moved"
	case DiskMigrationClosed:
		return "Closed"
	}
	return "Unknown"
}

type ManualCompactionStatus int

const (
	CompactionIdle ManualCompactionStatus = iota
	CompactionQueuing
	CompactionRunning
	CompactionFinished
)

func (s ManualCompactionStatus) String() string {
	switch s {
	case CompactionIdle:
		return "idle"
	case CompactionQueuing:
		return "queuing"
	case CompactionRunning:
		return "running"
	case CompactionFinished:
		return "finished"
	}
	return "unknown"
}

// AppInfo is the immutable metadata of the table a replica serves.
type AppInfo struct {
	AppId       int32
	AppName     string
	AppType     string
	PartitionNum int32
	Duplicating bool
	Envs        map[string]string
}

// ReplicaConfig is the current view of one partition's membership, pushed
// down by the meta service on every reconfiguration.
type ReplicaConfig struct {
	Pid         Gpid
	Ballot      Ballot
	Status      int32
	Primary     string
	Secondaries []string
}

// ReplicaInfo is what a node reports for one replica in Show replies.
type ReplicaInfo struct {
	Pid                Gpid
	Status             string
	Ballot             Ballot
	LastCommittedDecree Decree
	LastDurableDecree  Decree
	PrivateLogSize     int64
}

type NodeInfo struct {
	Addr     string
	Replicas []ReplicaInfo
}
