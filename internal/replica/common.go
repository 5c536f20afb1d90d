package replica

import (
	"time"

	"github.com/allen1211/partkv/pkg/common"
)

// Storage rpc codes served by the kv engine. Table-level latency counters are
// registered for each of them.
const (
	RpcGet    = "Get"
	RpcPut    = "Put"
	RpcAppend = "Append"
	RpcDelete = "Delete"
)

var StorageRpcReqCodes = []string{RpcGet, RpcPut, RpcAppend, RpcDelete}

func isReadCode(code string) bool {
	return code == RpcGet
}

func isWriteCode(code string) bool {
	return code == RpcPut || code == RpcAppend || code == RpcDelete
}

// Append is replayed as a read-modify-write, so it cannot be shipped to a
// duplication target as-is.
func isNonIdempotent(code string) bool {
	return code == RpcAppend
}

// OpRequest is one client request routed to a replica. The response travels
// back through Done, filled in by the host's RespondClient.
type OpRequest struct {
	Code            string
	Key             string
	Value           []byte
	IsBackupRequest bool
	StartTimeNs     int64

	Done chan OpResponse
}

type OpResponse struct {
	Status common.PartitionStatus
	Err    common.Err
	Value  []byte
	Decree common.Decree
}

func MakeOpRequest(code, key string, value []byte) *OpRequest {
	return &OpRequest{
		Code:        code,
		Key:         key,
		Value:       value,
		StartTimeNs: time.Now().UnixNano(),
		Done:        make(chan OpResponse, 1),
	}
}

// Wait blocks until the replica responds or the timeout elapses.
func (req *OpRequest) Wait(timeout time.Duration) (OpResponse, bool) {
	select {
	case resp := <-req.Done:
		return resp, true
	case <-time.After(timeout):
		return OpResponse{Err: common.ErrTimeout}, false
	}
}
