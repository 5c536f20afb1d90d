package etc

import (
	"encoding/json"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
)

type ClientConf struct {
	Nodes    []string `json:"nodes"`
	LogLevel string   `json:"log_level"`
}

func MakeDefaultClientConf() ClientConf {
	return ClientConf{
		Nodes:    []string{"127.0.0.1:8800"},
		LogLevel: "error",
	}
}

func ParseClientConf(confPath string) ClientConf {
	conf := MakeDefaultClientConf()
	if confPath == "" {
		return conf
	}
	confBytes, err := ioutil.ReadFile(confPath)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	return conf
}
