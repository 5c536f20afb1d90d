package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/allen1211/partkv/internal/node"
	"github.com/allen1211/partkv/internal/node/etc"
)

func main() {
	conf := makeConfig()

	server := node.MakeNode(conf)
	if err := server.StartRPCServer(); err != nil {
		log.Fatalf("start node rpc server error: %v", err)
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		http.Handle("/metrics", promhttp.Handler())
		return http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", conf.MetricPort), nil)
	})
	g.Go(func() error {
		select {
		case <-server.KilledC:
		case <-ctx.Done():
			server.Kill()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorf("%v", err)
	}
}

func makeConfig() etc.NodeConf {
	var confPath string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.Parse()

	if confPath == "" {
		log.Fatalf("no config file path provided")
	}

	return etc.ParseNodeConf(confPath)
}
