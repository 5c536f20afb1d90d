package test

import (
	crand "crypto/rand"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	"github.com/rcrowley/go-metrics"

	"github.com/allen1211/partkv/pkg/client"
	"github.com/allen1211/partkv/pkg/common"
)

const defaultTotal = 1 << 16

// PerformanceTest drives read/write load against one partition and reports
// throughput and latency through go-metrics.
type PerformanceTest struct {
	nodes   []string
	pid     common.Gpid
	threads int
	length  int
	total   int
	clients []*client.PartKVClient

	registry     metrics.Registry
	writeMeter   metrics.Meter
	readMeter    metrics.Meter
	writeLatency metrics.Timer
	readLatency  metrics.Timer
}

func MakePerformanceTest(nodes []string, pid common.Gpid, threads, length, total int) *PerformanceTest {
	if total == -1 {
		total = defaultTotal
	}
	pt := &PerformanceTest{
		nodes:   nodes,
		pid:     pid,
		threads: threads,
		length:  length,
		total:   total,
		clients: make([]*client.PartKVClient, threads),

		registry: metrics.NewRegistry(),
	}
	pt.writeMeter = metrics.NewRegisteredMeter("perf.write.qps", pt.registry)
	pt.readMeter = metrics.NewRegisteredMeter("perf.read.qps", pt.registry)
	pt.writeLatency = metrics.NewRegisteredTimer("perf.write.latency", pt.registry)
	pt.readLatency = metrics.NewRegisteredTimer("perf.read.latency", pt.registry)

	for i := 0; i < pt.threads; i++ {
		pt.clients[i] = client.MakePartKVClient(nodes)
	}
	return pt
}

// EmitGraphite streams the perf registry to a graphite endpoint every few
// seconds until the test ends.
func (pt *PerformanceTest) EmitGraphite(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	go graphite.Graphite(pt.registry, 5*time.Second, "partkv.perf", tcpAddr)
	return nil
}

func (pt *PerformanceTest) Prepare() {
	val := pt.randstring(pt.length)
	per := pt.total/pt.threads + pt.total%pt.threads

	var wg sync.WaitGroup
	for j := 0; j < pt.threads; j++ {
		wg.Add(1)
		go func(i, from, to int) {
			defer wg.Done()
			ck := pt.clients[i]
			for k := from; k < to; k++ {
				ck.Put(pt.nodes[0], pt.pid, fmt.Sprintf("key-%d", k), []byte(val))
			}
		}(j, j*per, min((j+1)*per, pt.total))
	}
	wg.Wait()
}

func (pt *PerformanceTest) WriteOnly() {
	pt.run(func(ck *client.PartKVClient, k int, val string) {
		start := time.Now()
		reply := ck.Put(pt.nodes[0], pt.pid, fmt.Sprintf("key-%d", k), []byte(val))
		pt.writeLatency.UpdateSince(start)
		if reply.Err == common.OK {
			pt.writeMeter.Mark(1)
		}
	})
}

func (pt *PerformanceTest) ReadOnly() {
	pt.run(func(ck *client.PartKVClient, k int, val string) {
		start := time.Now()
		reply := ck.Get(pt.nodes[0], pt.pid, fmt.Sprintf("key-%d", k), false)
		pt.readLatency.UpdateSince(start)
		if reply.Err == common.OK || reply.Err == common.ErrNoKey {
			pt.readMeter.Mark(1)
		}
	})
}

func (pt *PerformanceTest) ReadWrite() {
	pt.run(func(ck *client.PartKVClient, k int, val string) {
		if rand.Intn(2) == 0 {
			start := time.Now()
			reply := ck.Get(pt.nodes[0], pt.pid, fmt.Sprintf("key-%d", k), false)
			pt.readLatency.UpdateSince(start)
			if reply.Err == common.OK || reply.Err == common.ErrNoKey {
				pt.readMeter.Mark(1)
			}
		} else {
			start := time.Now()
			reply := ck.Put(pt.nodes[0], pt.pid, fmt.Sprintf("key-%d", k), []byte(val))
			pt.writeLatency.UpdateSince(start)
			if reply.Err == common.OK {
				pt.writeMeter.Mark(1)
			}
		}
	})
}

func (pt *PerformanceTest) run(op func(ck *client.PartKVClient, k int, val string)) {
	val := pt.randstring(pt.length)
	per := pt.total/pt.threads + pt.total%pt.threads

	begin := time.Now()
	var wg sync.WaitGroup
	for j := 0; j < pt.threads; j++ {
		wg.Add(1)
		go func(i, from, to int) {
			defer wg.Done()
			ck := pt.clients[i]
			for k := from; k < to; k++ {
				op(ck, k%pt.total, val)
			}
		}(j, j*per, min((j+1)*per, pt.total))
	}
	wg.Wait()

	elapsed := time.Since(begin)
	fmt.Printf("finished %d ops in %v\n", pt.total, elapsed)
	fmt.Printf("write: qps=%.1f latency(mean)=%v\n",
		pt.writeMeter.RateMean(), time.Duration(pt.writeLatency.Mean()))
	fmt.Printf("read:  qps=%.1f latency(mean)=%v\n",
		pt.readMeter.RateMean(), time.Duration(pt.readLatency.Mean()))
}

func (pt *PerformanceTest) randstring(n int) string {
	b := make([]byte, 2*n)
	_, _ = crand.Read(b)
	s := base64.URLEncoding.EncodeToString(b)
	return s[0:n]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
