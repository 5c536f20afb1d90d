package replica

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/allen1211/partkv/pkg/common"
	"github.com/allen1211/partkv/pkg/common/utils"
)

const (
	kvDataVersion uint32 = 1

	kvKeyPrefix      = "kv:"
	metaKeyCommitted = "\x00meta:last_committed"
	metaKeySync      = "\x00meta:sync"

	checkpointDirPrefix = "checkpoint."
	checkpointFileMagic = uint32(0x70617274)

	flushEveryDefault = 64

	hotkeyThreshold = 100
)

// KVEngine is the leveldb-backed state machine of one replica.
type KVEngine struct {
	logger *logrus.Logger

	mu   sync.RWMutex
	db   *leveldb.DB
	dir  string
	path string

	lastCommitted int64
	lastFlushed   int64
	lastDurable   int64

	flushEvery int32
	sinceFlush int32

	compactMu     sync.Mutex
	lastFinishTs  int64
	lastUsedMs    int64
	enqueueTs     int64
	startTs       int64

	hotkeyMu       sync.Mutex
	hotkeyCounting bool
	hotkeyCounts   map[string]int

	bgWg   sync.WaitGroup
	closed int32
}

func MakeKVEngine(dir string, envs map[string]string, logger *logrus.Logger) (*KVEngine, error) {
	e := &KVEngine{
		logger:       logger,
		dir:          dir,
		path:         filepath.Join(dir, "data"),
		flushEvery:   flushEveryDefault,
		hotkeyCounts: map[string]int{},
	}
	if err := utils.CheckAndMkdir(e.path); err != nil {
		return nil, errors.Wrap(err, "create engine dir")
	}

	options := opt.Options{
		WriteBuffer: 4096 * 1024,
		NoSync:      true,
	}
	db, err := leveldb.OpenFile(e.path, &options)
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb")
	}
	e.db = db

	e.lastDurable = e.scanLatestCheckpointDecree()

	if envs["force_restore"] == "true" && e.lastDurable > 0 {
		if err := e.restoreFromCheckpoint(e.checkpointDir(common.Decree(e.lastDurable))); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "force restore")
		}
		logger.Warnf("KVEngine %s force restored from checkpoint %d", dir, e.lastDurable)
	}

	if val, err := db.Get([]byte(metaKeyCommitted), nil); err == nil {
		e.lastCommitted = int64(binary.LittleEndian.Uint64(val))
	} else if err != leveldb.ErrNotFound {
		_ = db.Close()
		return nil, errors.Wrap(err, "read last committed")
	}
	// everything already in the db survived the last process, so it is at
	// least flushed
	e.lastFlushed = e.lastCommitted

	return e, nil
}

func (e *KVEngine) ApplyMutation(mu *Mutation) error {
	d := mu.Decree()
	if common.Decree(atomic.LoadInt64(&e.lastCommitted))+1 != d {
		return errors.Errorf("apply out of order: engine committed %d, mutation decree %d",
			e.lastCommitted, d)
	}

	batch := new(leveldb.Batch)
	for _, up := range mu.Data.Updates {
		key := []byte(kvKeyPrefix + up.Key)
		switch up.Code {
		case RpcPut:
			batch.Put(key, up.Value)
		case RpcAppend:
			curr, err := e.db.Get(key, nil)
			if err != nil && err != leveldb.ErrNotFound {
				return errors.Wrap(err, "append read")
			}
			batch.Put(key, append(curr, up.Value...))
		case RpcDelete:
			batch.Delete(key)
		default:
			return errors.Errorf("unknown update code %s", up.Code)
		}
		e.recordHotkey(up.Key)
	}
	committedBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(committedBuf, uint64(d))
	batch.Put([]byte(metaKeyCommitted), committedBuf)

	if err := e.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "write batch")
	}
	atomic.StoreInt64(&e.lastCommitted, int64(d))

	if atomic.AddInt32(&e.sinceFlush, 1) >= e.flushEvery {
		if err := e.flush(); err != nil {
			return err
		}
	}
	return nil
}

// flush forces the memtable to stable storage and advances the flushed
// decree.
func (e *KVEngine) flush() error {
	if err := e.db.Put([]byte(metaKeySync), []byte{}, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "sync")
	}
	atomic.StoreInt64(&e.lastFlushed, atomic.LoadInt64(&e.lastCommitted))
	atomic.StoreInt32(&e.sinceFlush, 0)
	return nil
}

func (e *KVEngine) OnRequest(req *OpRequest) OpResponse {
	if req.Code != RpcGet {
		return OpResponse{Err: common.ErrInvalidState}
	}
	e.recordHotkey(req.Key)
	val, err := e.db.Get([]byte(kvKeyPrefix+req.Key), nil)
	if err == leveldb.ErrNotFound {
		return OpResponse{Err: common.ErrNoKey}
	}
	if err != nil {
		return OpResponse{Err: common.ErrAppFailed}
	}
	return OpResponse{Err: common.OK, Value: val}
}

func (e *KVEngine) LastCommittedDecree() common.Decree {
	return common.Decree(atomic.LoadInt64(&e.lastCommitted))
}

func (e *KVEngine) LastDurableDecree() common.Decree {
	return common.Decree(atomic.LoadInt64(&e.lastDurable))
}

func (e *KVEngine) LastFlushedDecree() common.Decree {
	return common.Decree(atomic.LoadInt64(&e.lastFlushed))
}

func (e *KVEngine) checkpointDir(d common.Decree) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s%d", checkpointDirPrefix, d))
}

// Checkpoint dumps a consistent snapshot into checkpoint.<decree> and
// advances the durable decree. Older checkpoints are removed afterwards.
func (e *KVEngine) Checkpoint() error {
	if err := e.flush(); err != nil {
		return err
	}

	snapshot, err := e.db.GetSnapshot()
	if err != nil {
		return errors.Wrap(err, "get snapshot")
	}
	defer snapshot.Release()

	var d common.Decree
	if val, err := snapshot.Get([]byte(metaKeyCommitted), nil); err == nil {
		d = common.Decree(binary.LittleEndian.Uint64(val))
	} else if err != leveldb.ErrNotFound {
		return errors.Wrap(err, "snapshot read last committed")
	}
	if d <= common.Decree(atomic.LoadInt64(&e.lastDurable)) {
		return nil
	}

	ckptDir := e.checkpointDir(d)
	if err := utils.CheckAndMkdir(ckptDir); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	file, err := os.Create(filepath.Join(ckptDir, "data"))
	if err != nil {
		return errors.Wrap(err, "create checkpoint file")
	}
	defer file.Close()

	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:4], checkpointFileMagic)
	binary.LittleEndian.PutUint64(header[4:12], uint64(d))
	if _, err := file.Write(header); err != nil {
		return errors.Wrap(err, "write checkpoint header")
	}

	iter := snapshot.NewIterator(util.BytesPrefix([]byte(kvKeyPrefix)), nil)
	defer iter.Release()
	lenBuf := make([]byte, 4)
	for iter.First(); iter.Valid(); iter.Next() {
		for _, part := range [][]byte{iter.Key(), iter.Value()} {
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(part)))
			if _, err := file.Write(lenBuf); err != nil {
				return errors.Wrap(err, "write checkpoint record")
			}
			if _, err := file.Write(part); err != nil {
				return errors.Wrap(err, "write checkpoint record")
			}
		}
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "checkpoint iterate")
	}
	if err := file.Sync(); err != nil {
		return errors.Wrap(err, "sync checkpoint")
	}

	prevDurable := common.Decree(atomic.LoadInt64(&e.lastDurable))
	atomic.StoreInt64(&e.lastDurable, int64(d))
	if prevDurable > 0 {
		utils.DeleteDir(e.checkpointDir(prevDurable))
	}
	e.logger.Infof("KVEngine %s checkpoint generated at decree %d", e.dir, d)
	return nil
}

func (e *KVEngine) restoreFromCheckpoint(ckptDir string) error {
	file, err := os.Open(filepath.Join(ckptDir, "data"))
	if err != nil {
		return errors.Wrap(err, "open checkpoint")
	}
	defer file.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(file, header); err != nil {
		return errors.Wrap(err, "read checkpoint header")
	}
	if binary.LittleEndian.Uint32(header[0:4]) != checkpointFileMagic {
		return errors.New("checkpoint header magic mismatch")
	}
	d := binary.LittleEndian.Uint64(header[4:12])

	batch := new(leveldb.Batch)
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(file, lenBuf); err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "read checkpoint record")
		}
		key := make([]byte, binary.LittleEndian.Uint32(lenBuf))
		if _, err := io.ReadFull(file, key); err != nil {
			return errors.Wrap(err, "read checkpoint record")
		}
		if _, err := io.ReadFull(file, lenBuf); err != nil {
			return errors.Wrap(err, "read checkpoint record")
		}
		val := make([]byte, binary.LittleEndian.Uint32(lenBuf))
		if _, err := io.ReadFull(file, val); err != nil {
			return errors.Wrap(err, "read checkpoint record")
		}
		batch.Put(key, val)
	}
	committedBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(committedBuf, d)
	batch.Put([]byte(metaKeyCommitted), committedBuf)

	if err := e.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "restore write")
	}
	return nil
}

func (e *KVEngine) scanLatestCheckpointDecree() int64 {
	entries, err := ioutil.ReadDir(e.dir)
	if err != nil {
		return 0
	}
	decrees := make([]int64, 0, 1)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), checkpointDirPrefix) {
			continue
		}
		if d, err := strconv.ParseInt(strings.TrimPrefix(entry.Name(), checkpointDirPrefix), 10, 64); err == nil {
			decrees = append(decrees, d)
		}
	}
	if len(decrees) == 0 {
		return 0
	}
	sort.Slice(decrees, func(i, j int) bool { return decrees[i] > decrees[j] })
	return decrees[0]
}

func fmtCompactTs(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(0, ts*int64(time.Millisecond)).Format("2006-01-02 15:04:05")
}

// QueryCompactState reports manual compaction progress. The replica parses
// the "recent enqueue at" / "recent start at" / "last used" substrings, keep
// them stable.
func (e *KVEngine) QueryCompactState() string {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	s := fmt.Sprintf("last finish at [%s]", fmtCompactTs(e.lastFinishTs))
	if e.enqueueTs != 0 {
		s += fmt.Sprintf(", recent enqueue at [%s]", fmtCompactTs(e.enqueueTs))
		if e.startTs != 0 {
			s += fmt.Sprintf(", recent start at [%s]", fmtCompactTs(e.startTs))
		}
	} else if e.lastFinishTs != 0 {
		s += fmt.Sprintf(", last used %d ms", e.lastUsedMs)
	}
	return s
}

// ManualCompact enqueues a full-range compaction. A second request while one
// is queued or running is ignored.
func (e *KVEngine) ManualCompact() {
	e.compactMu.Lock()
	if e.enqueueTs != 0 || atomic.LoadInt32(&e.closed) == 1 {
		e.compactMu.Unlock()
		return
	}
	e.enqueueTs = time.Now().UnixNano() / int64(time.Millisecond)
	e.compactMu.Unlock()

	e.bgWg.Add(1)
	go func() {
		defer e.bgWg.Done()

		e.compactMu.Lock()
		e.startTs = time.Now().UnixNano() / int64(time.Millisecond)
		start := e.startTs
		e.compactMu.Unlock()

		err := e.db.CompactRange(util.Range{})

		e.compactMu.Lock()
		e.lastFinishTs = time.Now().UnixNano() / int64(time.Millisecond)
		e.lastUsedMs = e.lastFinishTs - start
		e.enqueueTs, e.startTs = 0, 0
		e.compactMu.Unlock()

		if err != nil {
			e.logger.Errorf("KVEngine %s manual compaction failed: %v", e.dir, err)
		}
	}()
}

func (e *KVEngine) QueryDataVersion() uint32 {
	return kvDataVersion
}

func (e *KVEngine) recordHotkey(key string) {
	e.hotkeyMu.Lock()
	if e.hotkeyCounting {
		e.hotkeyCounts[key]++
	}
	e.hotkeyMu.Unlock()
}

func (e *KVEngine) OnDetectHotkey(action string) (string, error) {
	e.hotkeyMu.Lock()
	defer e.hotkeyMu.Unlock()
	switch action {
	case "start":
		e.hotkeyCounting = true
		e.hotkeyCounts = map[string]int{}
		return "", nil
	case "stop":
		e.hotkeyCounting = false
		e.hotkeyCounts = map[string]int{}
		return "", nil
	case "query":
		best, bestCnt := "", 0
		for k, cnt := range e.hotkeyCounts {
			if cnt > bestCnt {
				best, bestCnt = k, cnt
			}
		}
		if bestCnt >= hotkeyThreshold {
			return best, nil
		}
		return "", nil
	}
	return "", errors.Errorf("unknown hotkey action %s", action)
}

func (e *KVEngine) CancelBackgroundWork(wait bool) {
	atomic.StoreInt32(&e.closed, 1)
	if wait {
		e.bgWg.Wait()
	}
}

func (e *KVEngine) Close(clearState bool) error {
	e.bgWg.Wait()
	if err := e.db.Close(); err != nil {
		return errors.Wrap(err, "close leveldb")
	}
	if clearState {
		utils.DeleteDir(e.dir)
	}
	return nil
}
