package config

import (
	"fmt"
	"os"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Config represents the main configuration for a roverlink node
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Channel   ChannelConfig   `yaml:"channel"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Transport kinds
const (
	TransportMemory = "memory"
	TransportLibP2P = "libp2p"
	TransportNATS   = "nats"
)

// TransportConfig selects and configures the middleware runtime
type TransportConfig struct {
	Kind           string        `yaml:"kind"`            // memory, libp2p, nats
	NATSURL        string        `yaml:"nats_url"`        // Used when kind is nats
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Dial timeout for the runtime
}

// ChannelConfig tunes the endpoint registry
type ChannelConfig struct {
	Codec        string        `yaml:"codec"`         // json, cbor
	QueueSize    int           `yaml:"queue_size"`    // Per-endpoint event queue
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // Default wait for readiness
	LeakRelease  bool          `yaml:"leak_release"`  // Release handles collected without Close
}

// MonitorConfig controls periodic node status publishing
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Channel  string        `yaml:"channel"`
}

// ParseMultiaddrs converts string addresses to multiaddr objects
func (c *Config) ParseMultiaddrs() ([]multiaddr.Multiaddr, error) {
	var addrs []multiaddr.Multiaddr
	for _, addr := range c.Node.ListenAddresses {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, ma)
	}
	return addrs, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Host:      "127.0.0.1",
			Namespace: "/roverlink",
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
			},
			DataDir: "./data",
		},
		Transport: TransportConfig{
			Kind:           TransportMemory,
			NATSURL:        "nats://127.0.0.1:4222",
			ConnectTimeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			BootstrapPeers:   []string{},
			AnnounceInterval: 30 * time.Second,
			DirectoryTopic:   "/roverlink/directory/v1",
		},
		Channel: ChannelConfig{
			Codec:        "json",
			QueueSize:    256,
			ReadyTimeout: 10 * time.Second,
			LeakRelease:  true,
		},
		Bridge: BridgeConfig{
			Enabled:            true,
			ListenAddr:         ":8080",
			CommandChannel:     "/cmd_vel",
			MapMetadataChannel: "/map_metadata",
			InitialPoseChannel: "/initialpose",
			GoalChannel:        "/move_base_simple/goal",
			PoseChannel:        "/amcl_pose",
			CameraChannel:      "/camera/rgb/image_raw",
			PublishInterval:    100 * time.Millisecond,
			LinearScale:        0.5,
			AngularScale:       1.0,
			MaxFPS:             10,
			JPEGQuality:        75,
			ShutdownTimeout:    10 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
			Channel:  "/roverlink/status",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path on top of DefaultConfig. Unknown keys are
// rejected. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()
	if err := DecodeStrict(f, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
