package netw

import "github.com/allen1211/partkv/pkg/common"

//go:generate msgp

const (
	ApiGet    = "Get"
	ApiPut    = "Put"
	ApiAppend = "Append"
	ApiDelete = "Delete"

	ApiPrepare = "Prepare"

	ApiShow          = "Show"
	ApiDetectHotkey  = "DetectHotkey"
	ApiQueryCompact  = "QueryCompact"
	ApiManualCompact = "ManualCompact"
)

type IRPCArgBase interface {
	GetPid() common.Gpid
	SetPid(pid common.Gpid)
}

type RPCArgBase struct {
	Pid common.Gpid
}

func (b *RPCArgBase) GetPid() common.Gpid {
	return b.Pid
}

func (b *RPCArgBase) SetPid(pid common.Gpid) {
	b.Pid = pid
}

type GetArgs struct {
	RPCArgBase

	Key           string
	BackupRequest bool
}

type GetReply struct {
	Err    common.Err
	Status string
	Value  []byte
}

type WriteArgs struct {
	RPCArgBase

	Code  string
	Key   string
	Value []byte
}

type WriteReply struct {
	Err    common.Err
	Status string
	Decree common.Decree
}

// PrepareArgs carries one mutation from the primary to a secondary or a
// learner during the first phase of commit.
type PrepareArgs struct {
	RPCArgBase

	Ballot        common.Ballot
	Decree        common.Decree
	MutationData  []byte
	LastCommitted common.Decree
}

type PrepareReply struct {
	Err    common.Err
	Ballot common.Ballot
	Decree common.Decree
}

type ShowArgs struct {
}

type ShowReply struct {
	Err  common.Err
	Node common.NodeInfo
}

type DetectHotkeyArgs struct {
	RPCArgBase

	Action string
}

type DetectHotkeyReply struct {
	Err    common.Err
	HotKey string
}

type QueryCompactArgs struct {
	RPCArgBase
}

type QueryCompactReply struct {
	Err    common.Err
	State  string
	Status string
}
