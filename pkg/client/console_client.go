package client

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/liushuochen/gotable"

	"github.com/allen1211/partkv/pkg/common"
)

const (
	NoOp      = ""
	OpGet     = "get"
	OpPut     = "put"
	OpAppend  = "append"
	OpDelete  = "del"
	OpShow    = "show"
	OpCompact = "compact"
	OpHelp    = "help"
	OpQuit    = "quit"
)

type opDesc struct {
	argc  int
	usage string
	desc  string
}

var opMap = map[string]opDesc{
	NoOp:      {0, "", ""},
	OpGet:     {2, "get [app.partition] [key]", "read a key"},
	OpPut:     {3, "put [app.partition] [key] [val]", "write a key"},
	OpAppend:  {3, "append [app.partition] [key] [val]", "append to a key"},
	OpDelete:  {2, "del [app.partition] [key]", "delete a key"},
	OpShow:    {0, "show", "show replicas of every node"},
	OpCompact: {1, "compact [app.partition]", "query manual compaction state"},
	OpHelp:    {0, "help", "print this help"},
	OpQuit:    {0, "quit", "exit"},
}

type ConsoleClient struct {
	api *PartKVClient

	stdin  *bufio.Scanner
	stdout *bufio.Writer
}

func MakeConsoleClient(nodes []string) *ConsoleClient {
	return &ConsoleClient{
		api:    MakePartKVClient(nodes),
		stdin:  bufio.NewScanner(os.Stdin),
		stdout: bufio.NewWriter(os.Stdout),
	}
}

func (c *ConsoleClient) Start() {
	c.printf("partkv console, %d node(s), type help for usage\n", len(c.api.Nodes()))
	for {
		c.printf("> ")
		c.stdout.Flush()
		if !c.stdin.Scan() {
			return
		}
		line := strings.TrimSpace(c.stdin.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		op, args := strings.ToLower(fields[0]), fields[1:]

		desc, ok := opMap[op]
		if !ok {
			c.printf("unknown command %s, type help for usage\n", op)
			continue
		}
		if len(args) < desc.argc {
			c.printf("usage: %s\n", desc.usage)
			continue
		}

		if op == OpQuit {
			c.stdout.Flush()
			return
		}
		c.execute(op, args)
		c.stdout.Flush()
	}
}

func (c *ConsoleClient) execute(op string, args []string) {
	switch op {
	case OpHelp:
		c.printHelp()
	case OpShow:
		c.printShow()
	case OpGet:
		pid, ok := c.parsePid(args[0])
		if !ok {
			return
		}
		reply := c.api.Get(c.api.Nodes()[0], pid, args[1], false)
		if reply.Err == common.OK {
			c.printf("%s\n", string(reply.Value))
		} else {
			c.printf("error: %s\n", reply.Err)
		}
	case OpPut:
		pid, ok := c.parsePid(args[0])
		if !ok {
			return
		}
		reply := c.api.Put(c.api.Nodes()[0], pid, args[1], []byte(strings.Join(args[2:], " ")))
		c.printf("%s\n", reply.Err)
	case OpAppend:
		pid, ok := c.parsePid(args[0])
		if !ok {
			return
		}
		reply := c.api.Append(c.api.Nodes()[0], pid, args[1], []byte(strings.Join(args[2:], " ")))
		c.printf("%s\n", reply.Err)
	case OpDelete:
		pid, ok := c.parsePid(args[0])
		if !ok {
			return
		}
		reply := c.api.Delete(c.api.Nodes()[0], pid, args[1])
		c.printf("%s\n", reply.Err)
	case OpCompact:
		pid, ok := c.parsePid(args[0])
		if !ok {
			return
		}
		reply := c.api.QueryCompact(c.api.Nodes()[0], pid)
		if reply.Err == common.OK {
			c.printf("%s: %s\n", reply.Status, reply.State)
		} else {
			c.printf("error: %s\n", reply.Err)
		}
	}
}

func (c *ConsoleClient) printShow() {
	table, err := gotable.Create("Node", "Replica", "Status", "Ballot", "Committed", "Durable", "LogSize(bytes)")
	if err != nil {
		c.printf("error: %v\n", err)
		return
	}
	for _, addr := range c.api.Nodes() {
		info, ok := c.api.Show(addr)
		if !ok {
			c.printf("node %s unreachable\n", addr)
			continue
		}
		for _, ri := range info.Replicas {
			_ = table.AddRow([]string{
				info.Addr,
				ri.Pid.String(),
				ri.Status,
				strconv.FormatInt(int64(ri.Ballot), 10),
				strconv.FormatInt(int64(ri.LastCommittedDecree), 10),
				strconv.FormatInt(int64(ri.LastDurableDecree), 10),
				strconv.FormatInt(ri.PrivateLogSize, 10),
			})
		}
	}
	c.printf("%s\n", table.String())
}

func (c *ConsoleClient) printHelp() {
	for _, op := range []string{OpGet, OpPut, OpAppend, OpDelete, OpShow, OpCompact, OpHelp, OpQuit} {
		desc := opMap[op]
		c.printf("  %-40s %s\n", desc.usage, desc.desc)
	}
}

func (c *ConsoleClient) parsePid(s string) (common.Gpid, bool) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		c.printf("bad partition id %s, expect app.partition\n", s)
		return common.Gpid{}, false
	}
	appId, err1 := strconv.Atoi(parts[0])
	partIdx, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		c.printf("bad partition id %s, expect app.partition\n", s)
		return common.Gpid{}, false
	}
	return common.Gpid{AppId: int32(appId), PartitionIndex: int32(partIdx)}, true
}

func (c *ConsoleClient) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.stdout, format, args...)
}
