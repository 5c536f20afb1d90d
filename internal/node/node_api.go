package node

import (
	"context"
	"errors"
	"time"

	"github.com/allen1211/partkv/internal/netw"
	"github.com/allen1211/partkv/internal/replica"
	"github.com/allen1211/partkv/pkg/common"
)

const clientOpTimeout = 10 * time.Second

func (n *Node) StartRPCServer() error {
	rpcServ := netw.MakeRpcxServer("Node", n.Addr())
	if err := rpcServ.Register("Node", n); err != nil {
		return err
	}
	n.rpcServ = rpcServ
	go func() {
		if err := rpcServ.Start(); err != nil {
			n.logger.Errorf("%v", err)
		}
	}()
	return nil
}

/* client API */

func (n *Node) Get(ctx context.Context, args *netw.GetArgs, reply *netw.GetReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrClosed))
	}
	r := n.GetReplica(args.Pid)
	if r == nil {
		reply.Err = common.ErrObjectNotFound
		return nil
	}

	req := replica.MakeOpRequest(replica.RpcGet, args.Key, nil)
	req.IsBackupRequest = args.BackupRequest
	r.OnClientRead(req, false)

	resp, _ := req.Wait(clientOpTimeout)
	reply.Err = resp.Err
	reply.Status = resp.Status.String()
	reply.Value = resp.Value
	return nil
}

func (n *Node) Put(ctx context.Context, args *netw.WriteArgs, reply *netw.WriteReply) error {
	return n.handleWrite(args, reply)
}

func (n *Node) Append(ctx context.Context, args *netw.WriteArgs, reply *netw.WriteReply) error {
	return n.handleWrite(args, reply)
}

func (n *Node) Delete(ctx context.Context, args *netw.WriteArgs, reply *netw.WriteReply) error {
	return n.handleWrite(args, reply)
}

func (n *Node) handleWrite(args *netw.WriteArgs, reply *netw.WriteReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrClosed))
	}
	r := n.GetReplica(args.Pid)
	if r == nil {
		reply.Err = common.ErrObjectNotFound
		return nil
	}

	req := replica.MakeOpRequest(args.Code, args.Key, args.Value)
	resp := r.OnClientWriteSync(req, clientOpTimeout)
	reply.Err = resp.Err
	reply.Status = resp.Status.String()
	reply.Decree = resp.Decree
	return nil
}

/* peer API */

func (n *Node) Prepare(ctx context.Context, args *netw.PrepareArgs, reply *netw.PrepareReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrClosed))
	}
	r := n.GetReplica(args.Pid)
	if r == nil {
		reply.Err = common.ErrObjectNotFound
		return nil
	}
	*reply = r.OnPrepare(args)
	return nil
}

/* admin API */

func (n *Node) Show(ctx context.Context, args *netw.ShowArgs, reply *netw.ShowReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrClosed))
	}
	reply.Err = common.OK
	reply.Node = n.GetNodeInfo()
	return nil
}

func (n *Node) DetectHotkey(ctx context.Context, args *netw.DetectHotkeyArgs, reply *netw.DetectHotkeyReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrClosed))
	}
	r := n.GetReplica(args.Pid)
	if r == nil {
		reply.Err = common.ErrObjectNotFound
		return nil
	}
	hotkey, err := r.OnDetectHotkey(args.Action)
	if err != nil {
		reply.Err = common.ErrInvalidState
		return nil
	}
	reply.Err = common.OK
	reply.HotKey = hotkey
	return nil
}

func (n *Node) QueryCompact(ctx context.Context, args *netw.QueryCompactArgs, reply *netw.QueryCompactReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrClosed))
	}
	r := n.GetReplica(args.Pid)
	if r == nil {
		reply.Err = common.ErrObjectNotFound
		return nil
	}
	reply.Err = common.OK
	reply.State = r.QueryManualCompactState()
	reply.Status = r.GetManualCompactStatus().String()
	return nil
}

func (n *Node) ManualCompact(ctx context.Context, args *netw.QueryCompactArgs, reply *netw.QueryCompactReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrClosed))
	}
	r := n.GetReplica(args.Pid)
	if r == nil {
		reply.Err = common.ErrObjectNotFound
		return nil
	}
	r.TriggerManualCompact()
	reply.Err = common.OK
	reply.Status = r.GetManualCompactStatus().String()
	return nil
}
