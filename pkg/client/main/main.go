package main

import (
	"flag"

	"github.com/allen1211/partkv/pkg/client"
	"github.com/allen1211/partkv/pkg/client/etc"
)

func main() {
	var confPath string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.Parse()

	conf := etc.ParseClientConf(confPath)
	console := client.MakeConsoleClient(conf.Nodes)
	console.Start()
}
