package replica

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/partkv/pkg/common"
)

const (
	plogFileName    = "plog"
	plogEntryMagic  = uint32(0x706c6f67)
	plogHeaderSize  = 12 // magic + length + crc
	plogMaxBodySize = 64 << 20
)

// PrivateLog is the write-ahead log of one partition. Mutations are appended
// before they are acknowledged in the prepare phase, and replayed on restart
// to rebuild the prepare list beyond the engine's committed decree.
type PrivateLog struct {
	logger *logrus.Logger

	mu   sync.Mutex
	dir  string
	file *os.File
	size int64
}

func MakePrivateLog(dir string, logger *logrus.Logger) (*PrivateLog, error) {
	path := filepath.Join(dir, plogFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open private log")
	}
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "seek private log")
	}
	return &PrivateLog{
		logger: logger,
		dir:    dir,
		file:   file,
		size:   size,
	}, nil
}

// Append writes one mutation and returns its log offset.
func (pl *PrivateLog) Append(mu *Mutation) (int64, error) {
	body := mu.Encode()
	if len(body) > plogMaxBodySize {
		return common.InvalidLogOffset, errors.Errorf("mutation %s too large: %d bytes", mu.Name(), len(body))
	}

	header := make([]byte, plogHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], plogEntryMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(body))

	pl.mu.Lock()
	defer pl.mu.Unlock()

	offset := pl.size
	if _, err := pl.file.Write(header); err != nil {
		return common.InvalidLogOffset, errors.Wrap(err, "append private log")
	}
	if _, err := pl.file.Write(body); err != nil {
		return common.InvalidLogOffset, errors.Wrap(err, "append private log")
	}
	if err := pl.file.Sync(); err != nil {
		return common.InvalidLogOffset, errors.Wrap(err, "sync private log")
	}
	pl.size = offset + int64(plogHeaderSize+len(body))
	return offset, nil
}

// Replay scans the log from the beginning. A torn entry at the tail (short
// header, short body, bad magic, crc mismatch or undecodable body) ends the
// scan without error; the file is truncated at that entry before Replay
// returns.
func (pl *PrivateLog) Replay(cb func(mu *Mutation) error) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if _, err := pl.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek private log")
	}
	defer pl.file.Seek(0, io.SeekEnd)

	valid := int64(0)
	header := make([]byte, plogHeaderSize)
	for {
		if _, err := io.ReadFull(pl.file, header); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(header[0:4]) != plogEntryMagic {
			pl.logger.Warnf("private log %s: bad entry magic at offset %d, truncating tail", pl.dir, valid)
			break
		}
		length := binary.LittleEndian.Uint32(header[4:8])
		if length > plogMaxBodySize {
			pl.logger.Warnf("private log %s: oversized entry at offset %d, truncating tail", pl.dir, valid)
			break
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(pl.file, body); err != nil {
			break
		}
		if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(header[8:12]) {
			pl.logger.Warnf("private log %s: crc mismatch at offset %d, truncating tail", pl.dir, valid)
			break
		}

		mu, err := DecodeMutation(body)
		if err != nil {
			pl.logger.Warnf("private log %s: undecodable entry at offset %d, truncating tail", pl.dir, valid)
			break
		}
		mu.Data.Header.LogOffset = valid
		if err := cb(mu); err != nil {
			return err
		}
		valid += int64(plogHeaderSize) + int64(length)
	}

	if valid < pl.size {
		if err := pl.file.Truncate(valid); err != nil {
			return errors.Wrap(err, "truncate private log tail")
		}
		pl.size = valid
	}
	return nil
}

func (pl *PrivateLog) Size() int64 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.size
}

// Reset drops the whole log and rewinds it to offset 0.
func (pl *PrivateLog) Reset() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if err := pl.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate private log")
	}
	if _, err := pl.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek private log")
	}
	pl.size = 0
	return nil
}

func (pl *PrivateLog) Close() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	_ = pl.file.Sync()
	_ = pl.file.Close()
}
