// Package relay implements the public-facing side of the system: it accepts
// channel connections from hubs, authenticates them, and forwards API
// requests from remote clients to the hub that owns the requesting user.
package relay

import (
	"encoding/json"
	"os"
	"time"

	"github.com/casalink/casalink/internal/flagx"
	"github.com/casalink/casalink/internal/timex"
)

// HubCredential is one hub allowed to connect. AuthKeyHash is the
// hex-encoded SHA-256 of the hub's auth key; the relay never stores keys
// in the clear.
type HubCredential struct {
	MacAddress  string `json:"mac_address"`
	AuthKeyHash string `json:"auth_key_hash"`
}

// Config holds runtime settings for the relay.
//
// Fields:
//   - EndpointAddr: bind address for the public HTTP endpoint.
//   - Hubs: hubs allowed to attach, keyed by MAC address.
//   - ForwardTimeout: how long a forwarded request waits for the hub's answer.
//   - QueueSize: outbound message queue per hub channel.
type Config struct {
	EndpointAddr   string
	Hubs           []HubCredential
	ForwardTimeout time.Duration
	QueueSize      int
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddr = ":3001"
	c.ForwardTimeout = 15 * time.Second
	c.QueueSize = 64
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

// JsonConfig is the JSON file shape for the relay. The hub allow-list can
// only be supplied here; flags cover the scalar settings.
type JsonConfig struct {
	EndpointAddr   string          `json:"endpoint_addr"`
	Hubs           []HubCredential `json:"hubs"`
	ForwardTimeout timex.Duration  `json:"forward_timeout"`
	QueueSize      int             `json:"queue_size"`
}

func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.EndpointAddr != "" {
		config.EndpointAddr = c.EndpointAddr
	}
	if len(c.Hubs) > 0 {
		config.Hubs = c.Hubs
	}
	if c.ForwardTimeout.Duration > 0 {
		config.ForwardTimeout = c.ForwardTimeout.Duration
	}
	if c.QueueSize > 0 {
		config.QueueSize = c.QueueSize
	}
}
