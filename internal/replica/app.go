package replica

import "github.com/allen1211/partkv/pkg/common"

// StateMachine is the deterministic key-value engine a replica drives.
// ApplyMutation and OnRequest are invoked from the replica's task queue.
// Checkpoint runs on a background goroutine of the replica, and the decree
// accessors and the admin calls (compaction, data version, hotkey) are called
// from the caller's goroutine, so those must be safe to call concurrently.
type StateMachine interface {
	// ApplyMutation applies one committed mutation. The engine must observe
	// LastCommittedDecree()+1 == mu.Decree() or fail.
	ApplyMutation(mu *Mutation) error

	// OnRequest serves one read.
	OnRequest(req *OpRequest) OpResponse

	LastCommittedDecree() common.Decree
	LastDurableDecree() common.Decree
	LastFlushedDecree() common.Decree

	// Checkpoint persists the current state and advances the durable decree.
	Checkpoint() error

	QueryCompactState() string
	ManualCompact()
	QueryDataVersion() uint32
	OnDetectHotkey(action string) (string, error)

	CancelBackgroundWork(wait bool)
	Close(clearState bool) error
}
