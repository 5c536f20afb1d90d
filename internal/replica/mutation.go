package replica

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/allen1211/partkv/pkg/common"
)

type MutationHeader struct {
	Pid       common.Gpid
	Ballot    common.Ballot
	Decree    common.Decree
	LogOffset int64
	Timestamp int64
}

type UpdateRecord struct {
	Code        string
	Key         string
	Value       []byte
	StartTimeNs int64
}

// MutationData is the serializable part of a mutation, what goes into the
// private log and into prepare RPCs.
type MutationData struct {
	Header  MutationHeader
	Updates []UpdateRecord
}

// Mutation is a single atomic write of one partition. It is immutable once
// prepared; the runtime bookkeeping around it (client handles, ack counts,
// trace points) never crosses the wire.
type Mutation struct {
	Data MutationData

	ClientRequests []*OpRequest
	Tracer         *Tracer

	logged bool

	// primary-side 2pc bookkeeping
	leftSecondaryAckCount int
}

func (mu *Mutation) Name() string {
	return fmt.Sprintf("%s.%d.%d", mu.Data.Header.Pid, mu.Data.Header.Ballot, mu.Data.Header.Decree)
}

func (mu *Mutation) Decree() common.Decree {
	return mu.Data.Header.Decree
}

func (mu *Mutation) Ballot() common.Ballot {
	return mu.Data.Header.Ballot
}

func (mu *Mutation) AddUpdate(rec UpdateRecord) {
	mu.Data.Updates = append(mu.Data.Updates, rec)
}

func (mu *Mutation) AddClientRequest(req *OpRequest) {
	mu.ClientRequests = append(mu.ClientRequests, req)
}

func (mu *Mutation) IsLogged() bool {
	return mu.logged
}

func (mu *Mutation) SetLogged() {
	mu.logged = true
}

// Encode lays MutationData out in the fixed little-endian record format used
// by the private log and prepare RPCs.
func (mu *Mutation) Encode() []byte {
	size := 8*4 + 4 + 4
	for _, up := range mu.Data.Updates {
		size += 4 + len(up.Code) + 4 + len(up.Key) + 4 + len(up.Value) + 8
	}
	buf := make([]byte, 0, size)

	h := &mu.Data.Header
	buf = appendUint32(buf, uint32(h.Pid.AppId))
	buf = appendUint32(buf, uint32(h.Pid.PartitionIndex))
	buf = appendUint64(buf, uint64(h.Ballot))
	buf = appendUint64(buf, uint64(h.Decree))
	buf = appendUint64(buf, uint64(h.LogOffset))
	buf = appendUint64(buf, uint64(h.Timestamp))
	buf = appendUint32(buf, uint32(len(mu.Data.Updates)))
	for _, up := range mu.Data.Updates {
		buf = appendBytes(buf, []byte(up.Code))
		buf = appendBytes(buf, []byte(up.Key))
		buf = appendBytes(buf, up.Value)
		buf = appendUint64(buf, uint64(up.StartTimeNs))
	}
	return buf
}

func DecodeMutation(data []byte) (*Mutation, error) {
	mu := &Mutation{}
	r := &byteReader{data: data}

	h := &mu.Data.Header
	h.Pid.AppId = int32(r.uint32())
	h.Pid.PartitionIndex = int32(r.uint32())
	h.Ballot = common.Ballot(r.uint64())
	h.Decree = common.Decree(r.uint64())
	h.LogOffset = int64(r.uint64())
	h.Timestamp = int64(r.uint64())
	count := r.uint32()
	if r.err == nil && count > uint32(len(data)) {
		return nil, errors.Errorf("mutation decode: implausible update count %d", count)
	}
	for i := uint32(0); i < count && r.err == nil; i++ {
		up := UpdateRecord{
			Code:  string(r.bytes()),
			Key:   string(r.bytes()),
			Value: r.bytes(),
		}
		up.StartTimeNs = int64(r.uint64())
		mu.Data.Updates = append(mu.Data.Updates, up)
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "mutation decode")
	}
	mu.logged = true
	return mu, nil
}

type byteReader struct {
	data []byte
	off  int
	err  error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil || r.off+n > len(r.data) {
		if r.err == nil {
			r.err = errors.New("short buffer")
		}
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *byteReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *byteReader) bytes() []byte {
	n := r.uint32()
	if r.err != nil || n > uint32(len(r.data)-r.off) {
		if r.err == nil {
			r.err = errors.New("short buffer")
		}
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

type tracePoint struct {
	name string
	ts   int64
}

// Tracer collects timestamped points along a mutation's path through the
// two-phase commit pipeline.
type Tracer struct {
	name   string
	points []tracePoint
}

func MakeTracer(name string) *Tracer {
	return &Tracer{name: name}
}

func (t *Tracer) AddPoint(name string) {
	if t == nil {
		return
	}
	t.points = append(t.points, tracePoint{name: name, ts: time.Now().UnixNano()})
}

func (t *Tracer) String() string {
	if t == nil || len(t.points) == 0 {
		return ""
	}
	s := t.name
	base := t.points[0].ts
	for _, p := range t.points {
		s += fmt.Sprintf(" %s=+%dus", p.name, (p.ts-base)/1000)
	}
	return s
}
