package config

import "time"

// DiscoveryConfig contains peer discovery configuration
type DiscoveryConfig struct {
	BootstrapPeers   []string      `yaml:"bootstrap_peers"`   // Peer addresses to connect to
	AnnounceInterval time.Duration `yaml:"announce_interval"` // Channel announcement interval, 0 disables
	DirectoryTopic   string        `yaml:"directory_topic"`   // Topic carrying channel announcements
}
