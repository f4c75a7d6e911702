package config

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	Host            string   `yaml:"host"`             // Address this node is reachable at
	Namespace       string   `yaml:"namespace"`        // Prefix for endpoint node names
	ListenAddresses []string `yaml:"listen_addresses"` // LibP2P listen addresses
	DataDir         string   `yaml:"data_dir"`         // Holds the identity key; empty for an ephemeral identity
}
