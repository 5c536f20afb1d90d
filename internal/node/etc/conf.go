package etc

import (
	"encoding/json"
	"io/ioutil"

	log "github.com/sirupsen/logrus"

	replicaetc "github.com/allen1211/partkv/internal/replica/etc"
)

type NodeConf struct {
	NodeId     int    `json:"node_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	MetricPort int    `json:"metric_port"`
	DBPath     string `json:"db_dir"`

	Replica replicaetc.ReplicaOptions `json:"replica"`
	Serv    ServConf                  `json:"serv"`
}

type ServConf struct {
	LogLevel string `json:"log_level"`
}

func MakeDefaultConfig() NodeConf {
	return NodeConf{
		Host:       "127.0.0.1",
		Port:       8800,
		MetricPort: 9090,
		DBPath:     "/data/partkv/replicas",
		Replica:    replicaetc.MakeDefaultReplicaOptions(),
		Serv: ServConf{
			LogLevel: "info",
		},
	}
}

func ParseNodeConf(confPath string) NodeConf {
	confBytes, err := ioutil.ReadFile(confPath)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	conf := MakeDefaultConfig()
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	return conf
}
