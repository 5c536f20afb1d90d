package netw

import (
	"context"
	"sync"
	"time"

	rpcx_client "github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/log"
	"github.com/smallnest/rpcx/protocol"
	"github.com/smallnest/rpcx/server"
	"github.com/smallnest/rpcx/share"

	"github.com/allen1211/partkv/internal/netw/codec"
)

const msgpSerializeType = protocol.SerializeType(5)

func init() {
	log.SetDummyLogger()

	share.Codecs[msgpSerializeType] = &codec.MsgpCodec{}
}

type RpcxServer struct {
	Name string
	Addr string

	serv *server.Server
}

func MakeRpcxServer(name, addr string) *RpcxServer {
	return &RpcxServer{
		Name: name,
		Addr: addr,
		serv: server.NewServer(),
	}
}

func (s *RpcxServer) Register(name string, obj interface{}) error {
	return s.serv.RegisterName(name, obj, "")
}

func (s *RpcxServer) Start() error {
	return s.serv.Serve("tcp", s.Addr)
}

func (s *RpcxServer) Stop() {
	_ = s.serv.Close()
}

type ClientEnd struct {
	sync.RWMutex
	Name string
	Addr string

	client  rpcx_client.XClient
	timeout time.Duration
}

func MakeRPCEnd(name, addr string) *ClientEnd {
	ce := &ClientEnd{
		Name:    name,
		Addr:    addr,
		timeout: 3 * time.Second,
	}
	d, err := rpcx_client.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return nil
	}
	option := rpcx_client.DefaultOption
	option.SerializeType = msgpSerializeType
	ce.client = rpcx_client.NewXClient(name, rpcx_client.Failfast, rpcx_client.RoundRobin, d, option)

	return ce
}

func (ce *ClientEnd) Call(svcMethod string, args interface{}, reply interface{}) bool {
	ctx, cancel := context.WithTimeout(context.Background(), ce.timeout)
	defer cancel()
	if err := ce.client.Call(ctx, svcMethod, args, reply); err != nil {
		return false
	}
	return true
}

func (ce *ClientEnd) Close() {
	if ce.client != nil {
		_ = ce.client.Close()
	}
}
