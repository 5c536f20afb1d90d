package replica

import (
	"sync"

	"github.com/allen1211/partkv/pkg/common"
)

// Auxiliary task managers. Each one holds a non-owning back-pointer to its
// replica; the replica owns the managers and resets them in a fixed order
// during close (duplication, backup, bulk load, split). None of them is ever
// revived after Close.

// DuplicationManager ships committed mutations to remote clusters. Pending
// shipments may still reference the replica, so it is the first manager torn
// down on close.
type DuplicationManager struct {
	r *Replica

	mu              sync.Mutex
	confirmedDecree common.Decree
	pendingCount    int
	closed          bool
}

func makeDuplicationManager(r *Replica) *DuplicationManager {
	return &DuplicationManager{r: r, confirmedDecree: common.InvalidDecree}
}

// OnMutationCommitted records one shipment candidate in pendingCount. The
// count is reset when UpdateConfirmedDecree advances the confirmed decree or
// on Close; this handle does not ship mutations itself.
func (dm *DuplicationManager) OnMutationCommitted(mu *Mutation) {
	dm.mu.Lock()
	if !dm.closed {
		dm.pendingCount++
	}
	dm.mu.Unlock()
}

func (dm *DuplicationManager) MinConfirmedDecree() common.Decree {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.confirmedDecree
}

func (dm *DuplicationManager) UpdateConfirmedDecree(d common.Decree) {
	dm.mu.Lock()
	if d > dm.confirmedDecree {
		dm.confirmedDecree = d
		dm.pendingCount = 0
	}
	dm.mu.Unlock()
}

func (dm *DuplicationManager) Close() {
	dm.mu.Lock()
	dm.closed = true
	dm.pendingCount = 0
	dm.mu.Unlock()
}

// BackupManager coordinates cold backups of generated checkpoints.
type BackupManager struct {
	r *Replica

	mu      sync.Mutex
	running bool
	closed  bool
}

func makeBackupManager(r *Replica) *BackupManager {
	return &BackupManager{r: r}
}

func (bm *BackupManager) IsRunning() bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.running
}

func (bm *BackupManager) Close() {
	bm.mu.Lock()
	bm.running = false
	bm.closed = true
	bm.mu.Unlock()
}

// BulkLoader ingests externally generated sst-like files into the engine.
type BulkLoader struct {
	r *Replica

	mu     sync.Mutex
	status string
	closed bool
}

func makeBulkLoader(r *Replica) *BulkLoader {
	return &BulkLoader{r: r, status: "BLS_INVALID"}
}

func (bl *BulkLoader) Status() string {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.status
}

func (bl *BulkLoader) Close() {
	bl.mu.Lock()
	bl.closed = true
	bl.mu.Unlock()
}

// SplitManager drives partition split: it flips the replica's split states
// and tracks the child partition's catch-up progress.
type SplitManager struct {
	r *Replica

	mu     sync.Mutex
	child  common.Gpid
	closed bool
}

func makeSplitManager(r *Replica) *SplitManager {
	return &SplitManager{r: r}
}

func (sm *SplitManager) ChildGpid() common.Gpid {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.child
}

func (sm *SplitManager) Close() {
	sm.mu.Lock()
	sm.closed = true
	sm.mu.Unlock()
}

// DiskMigrator moves a replica's directory across disks. Close of a replica
// is legal while the migrator is in Moved state even if the partition status
// is not terminal.
type DiskMigrator struct {
	r *Replica

	mu        sync.Mutex
	status    common.DiskMigrationStatus
	targetDir string
}

func makeDiskMigrator(r *Replica) *DiskMigrator {
	return &DiskMigrator{r: r, status: common.DiskMigrationIdle}
}

func (dm *DiskMigrator) Status() common.DiskMigrationStatus {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.status
}

func (dm *DiskMigrator) SetStatus(s common.DiskMigrationStatus) {
	dm.mu.Lock()
	dm.status = s
	dm.mu.Unlock()
}

// UpdateReplicaDir points the replica at the migrated directory and moves the
// migrator from Moved to Closed.
func (dm *DiskMigrator) UpdateReplicaDir() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.status != common.DiskMigrationMoved {
		return
	}
	if dm.targetDir != "" {
		dm.r.dir = dm.targetDir
	}
	dm.status = common.DiskMigrationClosed
}
