package replica

import (
	"github.com/pkg/errors"

	"github.com/allen1211/partkv/pkg/common"
)

// PrepareList is the bounded sliding window of mutations between the last
// committed decree and the highest prepared decree. Committing a decree runs
// the committer callback for every mutation that becomes committable, in
// decree order.
type PrepareList struct {
	mutations map[common.Decree]*Mutation

	capacity      int
	lastCommitted common.Decree
	maxDecree     common.Decree

	committer func(mu *Mutation)
}

func MakePrepareList(initDecree common.Decree, capacity int, committer func(mu *Mutation)) *PrepareList {
	return &PrepareList{
		mutations:     make(map[common.Decree]*Mutation),
		capacity:      capacity,
		lastCommitted: initDecree,
		maxDecree:     initDecree,
		committer:     committer,
	}
}

func (pl *PrepareList) LastCommittedDecree() common.Decree {
	return pl.lastCommitted
}

func (pl *PrepareList) MaxDecree() common.Decree {
	return pl.maxDecree
}

func (pl *PrepareList) MinDecree() common.Decree {
	min := common.InvalidDecree
	for d := range pl.mutations {
		if min == common.InvalidDecree || d < min {
			min = d
		}
	}
	return min
}

func (pl *PrepareList) Count() int {
	return len(pl.mutations)
}

func (pl *PrepareList) GetMutationByDecree(d common.Decree) *Mutation {
	return pl.mutations[d]
}

// Put stores a prepared mutation. A decree at or below the committed point is
// rejected; a re-prepare of the same decree under a higher ballot replaces the
// stale entry.
func (pl *PrepareList) Put(mu *Mutation) error {
	d := mu.Decree()
	if d <= pl.lastCommitted {
		return errors.Errorf("decree %d already committed (last committed %d)", d, pl.lastCommitted)
	}
	if old, ok := pl.mutations[d]; ok && old.Ballot() > mu.Ballot() {
		return errors.Errorf("decree %d already prepared under ballot %d > %d", d, old.Ballot(), mu.Ballot())
	}
	if pl.capacity > 0 && d-pl.lastCommitted > common.Decree(pl.capacity) {
		return errors.Errorf("prepare window full: decree %d, last committed %d, capacity %d",
			d, pl.lastCommitted, pl.capacity)
	}
	pl.mutations[d] = mu
	if d > pl.maxDecree {
		pl.maxDecree = d
	}
	return nil
}

// CommitTo advances the committed point up to decree d, invoking the
// committer for each mutation in order. It stops at the first hole.
func (pl *PrepareList) CommitTo(d common.Decree) {
	for pl.lastCommitted < d {
		next := pl.lastCommitted + 1
		mu, ok := pl.mutations[next]
		if !ok {
			break
		}
		pl.lastCommitted = next
		pl.committer(mu)
		pl.evict()
	}
}

// evict drops committed mutations that fell out of the window.
func (pl *PrepareList) evict() {
	if pl.capacity <= 0 {
		return
	}
	for d := range pl.mutations {
		if d <= pl.lastCommitted-common.Decree(pl.capacity) {
			delete(pl.mutations, d)
		}
	}
}

// Reset drops every pending mutation and restarts the window at initDecree.
func (pl *PrepareList) Reset(initDecree common.Decree) {
	pl.mutations = make(map[common.Decree]*Mutation)
	pl.lastCommitted = initDecree
	pl.maxDecree = initDecree
}
