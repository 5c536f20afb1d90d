package replica

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allen1211/partkv/pkg/common"
)

func makeLogMutation(decree common.Decree, key, val string) *Mutation {
	mu := &Mutation{}
	mu.Data.Header.Pid = common.Gpid{AppId: 1, PartitionIndex: 0}
	mu.Data.Header.Ballot = 1
	mu.Data.Header.Decree = decree
	mu.Data.Header.LogOffset = common.InvalidLogOffset
	mu.AddUpdate(UpdateRecord{Code: RpcPut, Key: key, Value: []byte(val)})
	return mu
}

func TestPrivateLogAppendReplay(t *testing.T) {
	dir := t.TempDir()
	logger := newTestLogger(t)

	plog, err := MakePrivateLog(dir, logger)
	require.NoError(t, err)

	for d := common.Decree(1); d <= 5; d++ {
		offset, err := plog.Append(makeLogMutation(d, "k", "v"))
		require.NoError(t, err)
		require.GreaterOrEqual(t, offset, int64(0))
	}
	size := plog.Size()
	require.Greater(t, size, int64(0))
	plog.Close()

	plog, err = MakePrivateLog(dir, logger)
	require.NoError(t, err)
	defer plog.Close()

	var decrees []common.Decree
	require.NoError(t, plog.Replay(func(mu *Mutation) error {
		require.True(t, mu.IsLogged())
		require.Equal(t, "k", mu.Data.Updates[0].Key)
		decrees = append(decrees, mu.Decree())
		return nil
	}))
	require.Equal(t, []common.Decree{1, 2, 3, 4, 5}, decrees)
	require.Equal(t, size, plog.Size())
}

func TestPrivateLogTornTail(t *testing.T) {
	dir := t.TempDir()
	logger := newTestLogger(t)

	plog, err := MakePrivateLog(dir, logger)
	require.NoError(t, err)
	_, err = plog.Append(makeLogMutation(1, "k", "v"))
	require.NoError(t, err)
	goodSize := plog.Size()
	plog.Close()

	// simulate a crash mid-append
	file, err := os.OpenFile(filepath.Join(dir, plogFileName), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	plog, err = MakePrivateLog(dir, logger)
	require.NoError(t, err)
	defer plog.Close()

	count := 0
	require.NoError(t, plog.Replay(func(mu *Mutation) error {
		count++
		return nil
	}))
	require.Equal(t, 1, count)
	require.Equal(t, goodSize, plog.Size())

	// the log is appendable again after truncating the torn tail
	offset, err := plog.Append(makeLogMutation(2, "k2", "v2"))
	require.NoError(t, err)
	require.Equal(t, goodSize, offset)
}

func TestPrivateLogReset(t *testing.T) {
	dir := t.TempDir()
	plog, err := MakePrivateLog(dir, newTestLogger(t))
	require.NoError(t, err)
	defer plog.Close()

	_, err = plog.Append(makeLogMutation(1, "k", "v"))
	require.NoError(t, err)
	require.NoError(t, plog.Reset())
	require.Equal(t, int64(0), plog.Size())

	count := 0
	require.NoError(t, plog.Replay(func(mu *Mutation) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}
