package node

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/partkv/internal/netw"
	"github.com/allen1211/partkv/internal/node/etc"
	"github.com/allen1211/partkv/internal/replica"
	replicaetc "github.com/allen1211/partkv/internal/replica/etc"
	"github.com/allen1211/partkv/pkg/common"
)

var counterReplicasCommitQPS = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "partkv",
	Subsystem: "node",
	Name:      "replicas_commit_total",
	Help:      "mutations committed across all replicas of this node",
})

// Node is the replica host: it owns the replicas of this process, dispatches
// client and peer RPCs to them, and supplies shared options, counters and
// client responses.
type Node struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	userConf etc.NodeConf
	opts     replicaetc.ReplicaOptions

	Id   int
	Host string
	Port int

	rpcServ  *netw.RpcxServer
	peerEnds map[string]*netw.ClientEnd

	replicas map[common.Gpid]*replica.Replica

	KilledC chan int
	killed  int32
}

func MakeNode(userConf etc.NodeConf) *Node {
	node := &Node{
		Id:       userConf.NodeId,
		Host:     userConf.Host,
		Port:     userConf.Port,
		userConf: userConf,
		opts:     userConf.Replica,

		peerEnds: map[string]*netw.ClientEnd{},
		replicas: map[common.Gpid]*replica.Replica{},

		KilledC: make(chan int, 10),
	}
	node.logger, _ = common.InitLogger(userConf.Serv.LogLevel, fmt.Sprintf("Node%d", node.Id))
	return node
}

func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n *Node) Options() *replicaetc.ReplicaOptions {
	return &n.opts
}

// RespondClient delivers one response back to the waiting client request.
// The send never blocks: each request carries a one-slot channel and is
// answered at most once.
func (n *Node) RespondClient(pid common.Gpid, isRead bool, req *replica.OpRequest, resp replica.OpResponse) {
	select {
	case req.Done <- resp:
	default:
		n.logger.Warnf("Node %d: replica %s duplicate response dropped (is_read=%v)", n.Id, pid, isRead)
	}
}

func (n *Node) SendPrepare(target string, args *netw.PrepareArgs, reply *netw.PrepareReply) bool {
	end := n.getOrCreatePeerEnd(target)
	if end == nil {
		n.logger.Errorf("Node %d: cannot connect peer %s", n.Id, target)
		return false
	}
	return end.Call(netw.ApiPrepare, args, reply)
}

func (n *Node) AddCommitQPS(count int) {
	counterReplicasCommitQPS.Add(float64(count))
}

func (n *Node) getOrCreatePeerEnd(addr string) *netw.ClientEnd {
	n.mu.RLock()
	end, ok := n.peerEnds[addr]
	n.mu.RUnlock()
	if ok {
		return end
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if end, ok = n.peerEnds[addr]; ok {
		return end
	}
	end = netw.MakeRPCEnd("Node", addr)
	if end != nil {
		n.peerEnds[addr] = end
	}
	return end
}

// CreateReplica constructs and opens one replica in this node's data dir.
func (n *Node) CreateReplica(pid common.Gpid, appInfo common.AppInfo, needRestore bool) (*replica.Replica, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if r, ok := n.replicas[pid]; ok {
		return r, nil
	}
	dir := filepath.Join(n.userConf.DBPath, fmt.Sprintf("node-%d", n.Id), pid.String())
	r := replica.MakeReplica(n, pid, appInfo, dir, needRestore, n.logger)
	if err := r.Open(); err != nil {
		return nil, err
	}
	n.replicas[pid] = r
	n.logger.Infof("Node %d: replica %s created at %s", n.Id, pid, dir)
	return r, nil
}

func (n *Node) GetReplica(pid common.Gpid) *replica.Replica {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.replicas[pid]
}

// CloseReplica drives one replica to Inactive and tears it down.
func (n *Node) CloseReplica(pid common.Gpid) {
	n.mu.Lock()
	r, ok := n.replicas[pid]
	if ok {
		delete(n.replicas, pid)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	if r.Status() != common.StatusError && r.Status() != common.StatusInactive {
		cfg := common.ReplicaConfig{Pid: pid, Ballot: r.GetBallot()}
		if err := r.UpdateLocalConfiguration(cfg, common.StatusInactive); err != nil {
			n.logger.Errorf("Node %d: deactivate replica %s failed: %v", n.Id, pid, err)
		}
	}
	r.Close()
}

func (n *Node) GetNodeInfo() common.NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	info := common.NodeInfo{Addr: n.Addr()}
	for _, r := range n.replicas {
		info.Replicas = append(info.Replicas, common.ReplicaInfo{
			Pid:                 r.GetGpid(),
			Status:              r.Status().String(),
			Ballot:              r.GetBallot(),
			LastCommittedDecree: r.LastCommittedDecree(),
			LastDurableDecree:   r.LastDurableDecree(),
			PrivateLogSize:      r.PrivateLogSize(),
		})
	}
	return info
}

func (n *Node) Killed() bool {
	return atomic.LoadInt32(&n.killed) == 1
}

func (n *Node) Kill() {
	if !atomic.CompareAndSwapInt32(&n.killed, 0, 1) {
		return
	}

	n.mu.Lock()
	replicas := make([]*replica.Replica, 0, len(n.replicas))
	for _, r := range n.replicas {
		replicas = append(replicas, r)
	}
	n.replicas = map[common.Gpid]*replica.Replica{}
	n.mu.Unlock()

	for _, r := range replicas {
		if r.Status() != common.StatusError && r.Status() != common.StatusInactive {
			cfg := common.ReplicaConfig{Pid: r.GetGpid(), Ballot: r.GetBallot()}
			_ = r.UpdateLocalConfiguration(cfg, common.StatusInactive)
		}
		r.Close()
		n.logger.Warnf("Node %d: replica %s was closed", n.Id, r.GetGpid())
	}

	if n.rpcServ != nil {
		n.rpcServ.Stop()
	}
	for _, end := range n.peerEnds {
		end.Close()
	}
	n.KilledC <- 1
}
