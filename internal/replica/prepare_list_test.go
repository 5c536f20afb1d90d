package replica

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allen1211/partkv/pkg/common"
)

func makeListMutation(ballot common.Ballot, decree common.Decree) *Mutation {
	mu := &Mutation{}
	mu.Data.Header.Ballot = ballot
	mu.Data.Header.Decree = decree
	mu.SetLogged()
	return mu
}

func TestPrepareListCommitInOrder(t *testing.T) {
	var committed []common.Decree
	pl := MakePrepareList(0, 10, func(mu *Mutation) {
		committed = append(committed, mu.Decree())
	})

	for d := common.Decree(1); d <= 3; d++ {
		require.NoError(t, pl.Put(makeListMutation(1, d)))
	}
	require.Equal(t, common.Decree(3), pl.MaxDecree())
	require.Equal(t, common.Decree(0), pl.LastCommittedDecree())

	pl.CommitTo(2)
	require.Equal(t, []common.Decree{1, 2}, committed)
	require.Equal(t, common.Decree(2), pl.LastCommittedDecree())

	pl.CommitTo(3)
	require.Equal(t, []common.Decree{1, 2, 3}, committed)
}

func TestPrepareListCommitStopsAtHole(t *testing.T) {
	var committed []common.Decree
	pl := MakePrepareList(0, 10, func(mu *Mutation) {
		committed = append(committed, mu.Decree())
	})

	require.NoError(t, pl.Put(makeListMutation(1, 1)))
	require.NoError(t, pl.Put(makeListMutation(1, 3)))

	pl.CommitTo(3)
	require.Equal(t, []common.Decree{1}, committed)
	require.Equal(t, common.Decree(1), pl.LastCommittedDecree())

	require.NoError(t, pl.Put(makeListMutation(1, 2)))
	pl.CommitTo(3)
	require.Equal(t, []common.Decree{1, 2, 3}, committed)
}

func TestPrepareListRejectsCommittedDecree(t *testing.T) {
	pl := MakePrepareList(0, 10, func(mu *Mutation) {})
	require.NoError(t, pl.Put(makeListMutation(1, 1)))
	pl.CommitTo(1)

	require.Error(t, pl.Put(makeListMutation(2, 1)))
}

func TestPrepareListReplacesStaleBallot(t *testing.T) {
	pl := MakePrepareList(0, 10, func(mu *Mutation) {})
	require.NoError(t, pl.Put(makeListMutation(1, 1)))
	require.NoError(t, pl.Put(makeListMutation(2, 1)))
	require.Equal(t, common.Ballot(2), pl.GetMutationByDecree(1).Ballot())

	// a lower ballot must not displace the newer prepare
	require.Error(t, pl.Put(makeListMutation(1, 1)))
}

func TestPrepareListWindowFull(t *testing.T) {
	pl := MakePrepareList(0, 3, func(mu *Mutation) {})
	for d := common.Decree(1); d <= 3; d++ {
		require.NoError(t, pl.Put(makeListMutation(1, d)))
	}
	require.Error(t, pl.Put(makeListMutation(1, 4)))

	pl.CommitTo(1)
	require.NoError(t, pl.Put(makeListMutation(1, 4)))
}

func TestPrepareListEviction(t *testing.T) {
	pl := MakePrepareList(0, 2, func(mu *Mutation) {})
	require.NoError(t, pl.Put(makeListMutation(1, 1)))
	require.NoError(t, pl.Put(makeListMutation(1, 2)))
	pl.CommitTo(2)
	require.NoError(t, pl.Put(makeListMutation(1, 3)))
	require.NoError(t, pl.Put(makeListMutation(1, 4)))
	pl.CommitTo(4)

	// decrees that fell out of the window are gone
	require.Nil(t, pl.GetMutationByDecree(1))
	require.Nil(t, pl.GetMutationByDecree(2))
	require.NotNil(t, pl.GetMutationByDecree(4))
}

func TestPrepareListReset(t *testing.T) {
	pl := MakePrepareList(0, 10, func(mu *Mutation) {})
	require.NoError(t, pl.Put(makeListMutation(1, 1)))
	pl.Reset(7)
	require.Equal(t, common.Decree(7), pl.LastCommittedDecree())
	require.Equal(t, common.Decree(7), pl.MaxDecree())
	require.Equal(t, 0, pl.Count())
}
