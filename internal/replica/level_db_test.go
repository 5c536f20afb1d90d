package replica

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allen1211/partkv/pkg/common"
)

func makeEngineMutation(decree common.Decree, updates ...UpdateRecord) *Mutation {
	mu := &Mutation{}
	mu.Data.Header.Pid = common.Gpid{AppId: 1, PartitionIndex: 0}
	mu.Data.Header.Ballot = 1
	mu.Data.Header.Decree = decree
	mu.Data.Updates = updates
	return mu
}

func TestKVEngineApplyAndRead(t *testing.T) {
	e, err := MakeKVEngine(t.TempDir(), nil, newTestLogger(t))
	require.NoError(t, err)
	defer e.Close(false)

	require.NoError(t, e.ApplyMutation(makeEngineMutation(1,
		UpdateRecord{Code: RpcPut, Key: "a", Value: []byte("1")})))
	require.NoError(t, e.ApplyMutation(makeEngineMutation(2,
		UpdateRecord{Code: RpcAppend, Key: "a", Value: []byte("2")})))
	require.NoError(t, e.ApplyMutation(makeEngineMutation(3,
		UpdateRecord{Code: RpcPut, Key: "b", Value: []byte("x")},
		UpdateRecord{Code: RpcDelete, Key: "b"})))

	require.Equal(t, common.Decree(3), e.LastCommittedDecree())

	resp := e.OnRequest(MakeOpRequest(RpcGet, "a", nil))
	require.Equal(t, common.OK, resp.Err)
	require.Equal(t, []byte("12"), resp.Value)

	resp = e.OnRequest(MakeOpRequest(RpcGet, "b", nil))
	require.Equal(t, common.ErrNoKey, resp.Err)
}

func TestKVEngineRejectsOutOfOrderApply(t *testing.T) {
	e, err := MakeKVEngine(t.TempDir(), nil, newTestLogger(t))
	require.NoError(t, err)
	defer e.Close(false)

	require.NoError(t, e.ApplyMutation(makeEngineMutation(1,
		UpdateRecord{Code: RpcPut, Key: "a", Value: []byte("1")})))
	require.Error(t, e.ApplyMutation(makeEngineMutation(3,
		UpdateRecord{Code: RpcPut, Key: "a", Value: []byte("3")})))
	require.Error(t, e.ApplyMutation(makeEngineMutation(1,
		UpdateRecord{Code: RpcPut, Key: "a", Value: []byte("1")})))
}

func TestKVEngineCheckpointAndRestore(t *testing.T) {
	dir := t.TempDir()
	logger := newTestLogger(t)

	e, err := MakeKVEngine(dir, nil, logger)
	require.NoError(t, err)

	for d := common.Decree(1); d <= 5; d++ {
		require.NoError(t, e.ApplyMutation(makeEngineMutation(d,
			UpdateRecord{Code: RpcPut, Key: "k", Value: []byte{byte(d)}})))
	}
	require.Equal(t, common.Decree(0), e.LastDurableDecree())

	require.NoError(t, e.Checkpoint())
	require.Equal(t, common.Decree(5), e.LastDurableDecree())
	require.GreaterOrEqual(t, e.LastFlushedDecree(), e.LastDurableDecree())
	require.NoError(t, e.Close(false))

	// reopen picks the checkpoint decree back up
	e, err = MakeKVEngine(dir, nil, logger)
	require.NoError(t, err)
	require.Equal(t, common.Decree(5), e.LastDurableDecree())
	require.Equal(t, common.Decree(5), e.LastCommittedDecree())
	require.NoError(t, e.Close(false))

	// force restore rebuilds the kv space from the checkpoint
	e, err = MakeKVEngine(dir, map[string]string{"force_restore": "true"}, logger)
	require.NoError(t, err)
	resp := e.OnRequest(MakeOpRequest(RpcGet, "k", nil))
	require.Equal(t, common.OK, resp.Err)
	require.Equal(t, []byte{5}, resp.Value)
	require.NoError(t, e.Close(false))
}

func TestKVEngineManualCompactLifecycle(t *testing.T) {
	e, err := MakeKVEngine(t.TempDir(), nil, newTestLogger(t))
	require.NoError(t, err)
	defer e.Close(false)

	require.NoError(t, e.ApplyMutation(makeEngineMutation(1,
		UpdateRecord{Code: RpcPut, Key: "a", Value: []byte("1")})))

	e.ManualCompact()

	deadline := time.Now().Add(10 * time.Second)
	for {
		state := e.QueryCompactState()
		if !strings.Contains(state, "recent enqueue at") && strings.Contains(state, "last used") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("compaction did not finish, state: %s", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKVEngineDataVersionAndHotkey(t *testing.T) {
	e, err := MakeKVEngine(t.TempDir(), nil, newTestLogger(t))
	require.NoError(t, err)
	defer e.Close(false)

	require.Equal(t, uint32(1), e.QueryDataVersion())

	_, err = e.OnDetectHotkey("start")
	require.NoError(t, err)
	for i := 0; i < hotkeyThreshold; i++ {
		e.OnRequest(MakeOpRequest(RpcGet, "hot", nil))
	}
	hot, err := e.OnDetectHotkey("query")
	require.NoError(t, err)
	require.Equal(t, "hot", hot)

	_, err = e.OnDetectHotkey("stop")
	require.NoError(t, err)
	_, err = e.OnDetectHotkey("bogus")
	require.Error(t, err)
}
