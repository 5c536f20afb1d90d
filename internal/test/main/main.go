package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/allen1211/partkv/internal/test"
	"github.com/allen1211/partkv/pkg/common"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		fmt.Printf("%s [perf/...]\n", args[0])
		os.Exit(1)
	}
	program := args[1]
	if program == "perf" {
		runPerformanceTest(args[2:])
	} else {
		fmt.Printf("%s [perf/...]\n", args[0])
		os.Exit(1)
	}
}

func runPerformanceTest(args []string) {
	var total, length, threads, appId, partIdx int
	var nodeStr, testFunc, graphiteAddr string
	flagSet := flag.NewFlagSet("perf", flag.ExitOnError)
	flagSet.StringVar(&nodeStr, "nodes", "", "replica nodes")
	flagSet.IntVar(&appId, "app", 1, "app id")
	flagSet.IntVar(&partIdx, "partition", 0, "partition index")
	flagSet.IntVar(&total, "total", -1, "total read/write")
	flagSet.IntVar(&length, "length", 100, "value length in bytes")
	flagSet.IntVar(&threads, "thread", 1, "number of test threads")
	flagSet.StringVar(&testFunc, "test", "", "prepare/read_only/write_only/read_write")
	flagSet.StringVar(&graphiteAddr, "graphite", "", "graphite endpoint, optional")
	flagSet.Parse(args)

	if nodeStr == "" {
		fmt.Printf("require argument nodes\n")
		os.Exit(1)
	}
	nodes := strings.Split(nodeStr, ",")
	pid := common.Gpid{AppId: int32(appId), PartitionIndex: int32(partIdx)}

	pt := test.MakePerformanceTest(nodes, pid, threads, length, total)
	if graphiteAddr != "" {
		if err := pt.EmitGraphite(graphiteAddr); err != nil {
			fmt.Printf("cannot emit to graphite %s: %v\n", graphiteAddr, err)
			os.Exit(1)
		}
	}

	switch testFunc {
	case "prepare":
		pt.Prepare()
	case "read_only":
		pt.ReadOnly()
	case "write_only":
		pt.WriteOnly()
	case "read_write":
		pt.ReadWrite()
	default:
		fmt.Printf("unknown test %s, expect prepare/read_only/write_only/read_write\n", testFunc)
		os.Exit(1)
	}
}
