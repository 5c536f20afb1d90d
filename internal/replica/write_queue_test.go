package replica

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeQueueMutation(key string) *Mutation {
	mu := &Mutation{}
	mu.AddUpdate(UpdateRecord{Code: RpcPut, Key: key, Value: []byte("v")})
	mu.AddClientRequest(MakeOpRequest(RpcPut, key, []byte("v")))
	return mu
}

func TestWriteQueueBatchesWhenEnabled(t *testing.T) {
	wq := MakeWriteQueue(false)
	wq.Add(makeQueueMutation("a"))
	wq.Add(makeQueueMutation("b"))
	wq.Add(makeQueueMutation("c"))

	// later writes fold into the tail mutation
	require.Equal(t, 1, wq.Size())
	mu := wq.CheckPossibleWork(1)
	require.NotNil(t, mu)
	require.Len(t, mu.Data.Updates, 3)
	require.Len(t, mu.ClientRequests, 3)
}

func TestWriteQueueNoBatchWhenDisabled(t *testing.T) {
	wq := MakeWriteQueue(true)
	wq.Add(makeQueueMutation("a"))
	wq.Add(makeQueueMutation("b"))

	require.Equal(t, 2, wq.Size())
	require.Len(t, wq.CheckPossibleWork(1).Data.Updates, 1)
	require.Len(t, wq.CheckPossibleWork(1).Data.Updates, 1)
	require.Nil(t, wq.CheckPossibleWork(1))
}

func TestWriteQueueRespectsWindow(t *testing.T) {
	wq := MakeWriteQueue(true)
	wq.Add(makeQueueMutation("a"))

	require.Nil(t, wq.CheckPossibleWork(0))
	require.Nil(t, wq.CheckPossibleWork(-3))
	require.NotNil(t, wq.CheckPossibleWork(1))
}

func TestWriteQueueClear(t *testing.T) {
	wq := MakeWriteQueue(true)
	wq.Add(makeQueueMutation("a"))
	wq.Add(makeQueueMutation("b"))

	var cleared int
	wq.Clear(func(mu *Mutation) { cleared++ })
	require.Equal(t, 2, cleared)
	require.Equal(t, 0, wq.Size())
}
