package main

import (
	"encoding/json"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/agent"
	derror "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/resource"
	"github.com/taskmesh/taskmesh/scheduler"
)

const defaultAddr = "127.0.0.1:10240"

// Config is the daemon configuration, loaded from a TOML file and
// overridable per field through command-line flags.
type Config struct {
	NodeID        string   `toml:"node-id" json:"node-id"`
	Addr          string   `toml:"addr" json:"addr"`
	AdvertiseAddr string   `toml:"advertise-addr" json:"advertise-addr"`
	Capabilities  []string `toml:"capabilities" json:"capabilities"`

	LogLevel string `toml:"log-level" json:"log-level"`
	LogFile  string `toml:"log-file" json:"log-file"`

	Scheduler scheduler.Config     `toml:"scheduler" json:"scheduler"`
	Resource  resource.Config      `toml:"resource" json:"resource"`
	Registry  agent.RegistryConfig `toml:"registry" json:"registry"`
}

func (c *Config) String() string {
	encoded, err := json.Marshal(c)
	if err != nil {
		log.L().Error("failed to marshal config", zap.Error(err))
	}
	return string(encoded)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return derror.ErrDecodeConfigFile.Wrap(err).GenWithStackByArgs()
	}
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		undecodedItems := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return derror.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}

func (c *Config) adjust() {
	if c.NodeID == "" {
		c.NodeID = "node-" + uuid.New().String()
	}
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = "http://" + c.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Scheduler = c.Scheduler.Adjust()
	c.Resource = c.Resource.Adjust()
	c.Registry = c.Registry.Adjust()
}
