package client

import (
	"sync"

	"github.com/allen1211/partkv/internal/netw"
	"github.com/allen1211/partkv/internal/replica"
	"github.com/allen1211/partkv/pkg/common"
)

// PartKVClient talks to the replica nodes directly. Each call targets one
// partition on one node; routing across nodes is the caller's concern.
type PartKVClient struct {
	mu    sync.Mutex
	nodes []string
	ends  map[string]*netw.ClientEnd
}

func MakePartKVClient(nodes []string) *PartKVClient {
	return &PartKVClient{
		nodes: nodes,
		ends:  map[string]*netw.ClientEnd{},
	}
}

func (c *PartKVClient) getEnd(addr string) *netw.ClientEnd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if end, ok := c.ends[addr]; ok {
		return end
	}
	end := netw.MakeRPCEnd("Node", addr)
	if end != nil {
		c.ends[addr] = end
	}
	return end
}

func (c *PartKVClient) call(addr, api string, args interface{}, reply interface{}) bool {
	end := c.getEnd(addr)
	if end == nil {
		return false
	}
	return end.Call(api, args, reply)
}

func (c *PartKVClient) Get(addr string, pid common.Gpid, key string, backup bool) netw.GetReply {
	args := &netw.GetArgs{Key: key, BackupRequest: backup}
	args.SetPid(pid)
	reply := netw.GetReply{}
	if !c.call(addr, netw.ApiGet, args, &reply) {
		reply.Err = common.ErrFailedRPC
	}
	return reply
}

func (c *PartKVClient) write(addr string, api string, pid common.Gpid, code, key string, value []byte) netw.WriteReply {
	args := &netw.WriteArgs{Code: code, Key: key, Value: value}
	args.SetPid(pid)
	reply := netw.WriteReply{}
	if !c.call(addr, api, args, &reply) {
		reply.Err = common.ErrFailedRPC
	}
	return reply
}

func (c *PartKVClient) Put(addr string, pid common.Gpid, key string, value []byte) netw.WriteReply {
	return c.write(addr, netw.ApiPut, pid, replica.RpcPut, key, value)
}

func (c *PartKVClient) Append(addr string, pid common.Gpid, key string, value []byte) netw.WriteReply {
	return c.write(addr, netw.ApiAppend, pid, replica.RpcAppend, key, value)
}

func (c *PartKVClient) Delete(addr string, pid common.Gpid, key string) netw.WriteReply {
	return c.write(addr, netw.ApiDelete, pid, replica.RpcDelete, key, nil)
}

func (c *PartKVClient) Show(addr string) (common.NodeInfo, bool) {
	reply := netw.ShowReply{}
	if !c.call(addr, netw.ApiShow, &netw.ShowArgs{}, &reply) {
		return common.NodeInfo{}, false
	}
	return reply.Node, true
}

func (c *PartKVClient) QueryCompact(addr string, pid common.Gpid) netw.QueryCompactReply {
	args := &netw.QueryCompactArgs{}
	args.SetPid(pid)
	reply := netw.QueryCompactReply{}
	if !c.call(addr, netw.ApiQueryCompact, args, &reply) {
		reply.Err = common.ErrFailedRPC
	}
	return reply
}

func (c *PartKVClient) Nodes() []string {
	return c.nodes
}

func (c *PartKVClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, end := range c.ends {
		end.Close()
	}
	c.ends = map[string]*netw.ClientEnd{}
}
