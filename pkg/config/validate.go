package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "discovery.bootstrap_peers[0]"
	Message string // e.g., "invalid multiaddr"
	Hint    string // e.g., "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs comprehensive validation of the entire config.
// It aggregates all errors and returns them, allowing the caller to print all issues at once.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateNode()...)
	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateDiscovery()...)
	errs = append(errs, c.validateChannel()...)
	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateMonitor()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func (c *Config) validateNode() []error {
	var errs []error
	nc := c.Node

	if strings.TrimSpace(nc.Host) == "" {
		errs = append(errs, ValidationError{
			Path:    "node.host",
			Message: "must not be empty",
			Hint:    "set to the address this node is reachable at",
		})
	}

	if !strings.HasPrefix(nc.Namespace, "/") {
		errs = append(errs, ValidationError{
			Path:    "node.namespace",
			Message: fmt.Sprintf("must start with '/'; got %q", nc.Namespace),
			Hint:    "e.g. /roverlink",
		})
	}

	// listen addresses only matter for the libp2p transport
	if c.Transport.Kind == TransportLibP2P && len(nc.ListenAddresses) == 0 {
		errs = append(errs, ValidationError{
			Path:    "node.listen_addresses",
			Message: "must not be empty",
		})
	}

	seen := make(map[string]bool)
	for i, addr := range nc.ListenAddresses {
		path := fmt.Sprintf("node.listen_addresses[%d]", i)

		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port> or /ip{4,6}/.../udp/<port>/quic-v1",
			})
			continue
		}

		port, ok := multiaddrPort(ma)
		if !ok {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing /tcp/<port> or /udp/<port> component",
				Hint:    "expected /ip{4,6}/.../tcp/<port>",
			})
			continue
		}
		// port 0 asks the OS for an ephemeral port
		if port < 0 || port > 65535 {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid port %d", port),
				Hint:    "port must be between 0 and 65535",
			})
		}

		if seen[addr] {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "duplicate listen address",
			})
		}
		seen[addr] = true
	}

	if nc.DataDir != "" {
		if err := validateDataDir(nc.DataDir); err != nil {
			errs = append(errs, ValidationError{
				Path:    "node.data_dir",
				Message: err.Error(),
			})
		}
	}

	return errs
}

func (c *Config) validateTransport() []error {
	var errs []error
	tc := c.Transport

	switch tc.Kind {
	case TransportMemory, TransportLibP2P:
	case TransportNATS:
		if tc.NATSURL == "" {
			errs = append(errs, ValidationError{
				Path:    "transport.nats_url",
				Message: "required when transport.kind is nats",
				Hint:    "e.g. nats://127.0.0.1:4222",
			})
		} else if !hasScheme(tc.NATSURL, "nats", "tls", "ws", "wss") {
			errs = append(errs, ValidationError{
				Path:    "transport.nats_url",
				Message: fmt.Sprintf("invalid URL %q", tc.NATSURL),
				Hint:    "expected nats://host:port",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Path:    "transport.kind",
			Message: fmt.Sprintf("invalid value %q", tc.Kind),
			Hint:    "allowed values: memory, libp2p, nats",
		})
	}

	if tc.ConnectTimeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "transport.connect_timeout",
			Message: fmt.Sprintf("must be > 0; got %v", tc.ConnectTimeout),
		})
	}

	return errs
}

func (c *Config) validateDiscovery() []error {
	var errs []error
	disc := c.Discovery

	if disc.AnnounceInterval < 0 {
		errs = append(errs, ValidationError{
			Path:    "discovery.announce_interval",
			Message: fmt.Sprintf("must be >= 0; got %v", disc.AnnounceInterval),
		})
	}

	if c.Transport.Kind == TransportLibP2P && disc.DirectoryTopic == "" {
		errs = append(errs, ValidationError{
			Path:    "discovery.directory_topic",
			Message: "must not be empty",
		})
	}

	seenPeers := make(map[string]bool)
	for i, peer := range disc.BootstrapPeers {
		path := fmt.Sprintf("discovery.bootstrap_peers[%d]", i)

		ma, err := multiaddr.NewMultiaddr(peer)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid multiaddr: %v", err),
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
			continue
		}

		if _, err := ma.ValueForProtocol(multiaddr.P_P2P); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing /p2p/<peerID> component",
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
		}

		port, ok := multiaddrPort(ma)
		if !ok {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing /tcp/<port> or /udp/<port> component",
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
			continue
		}
		if port < 1 || port > 65535 {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("invalid port %d", port),
				Hint:    "port must be between 1 and 65535",
			})
		}

		if seenPeers[peer] {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "duplicate peer",
			})
		}
		seenPeers[peer] = true
	}

	return errs
}

func (c *Config) validateChannel() []error {
	var errs []error
	cc := c.Channel

	validCodecs := map[string]bool{"json": true, "cbor": true}
	if !validCodecs[cc.Codec] {
		errs = append(errs, ValidationError{
			Path:    "channel.codec",
			Message: fmt.Sprintf("invalid value %q", cc.Codec),
			Hint:    "allowed values: json, cbor",
		})
	}

	if cc.QueueSize <= 0 {
		errs = append(errs, ValidationError{
			Path:    "channel.queue_size",
			Message: fmt.Sprintf("must be > 0; got %d", cc.QueueSize),
		})
	}

	if cc.ReadyTimeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "channel.ready_timeout",
			Message: fmt.Sprintf("must be > 0; got %v", cc.ReadyTimeout),
		})
	}

	return errs
}

func (c *Config) validateBridge() []error {
	bc := c.Bridge
	if !bc.Enabled {
		return nil
	}
	var errs []error

	if err := validateListenAddr(bc.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Path:    "bridge.listen_addr",
			Message: err.Error(),
			Hint:    "expected [host]:port, e.g. :8080",
		})
	}

	channels := []struct {
		path, name string
	}{
		{"bridge.command_channel", bc.CommandChannel},
		{"bridge.map_metadata_channel", bc.MapMetadataChannel},
		{"bridge.initial_pose_channel", bc.InitialPoseChannel},
		{"bridge.goal_channel", bc.GoalChannel},
		{"bridge.pose_channel", bc.PoseChannel},
		{"bridge.camera_channel", bc.CameraChannel},
	}
	for _, ch := range channels {
		if err := validateChannelName(ch.name); err != nil {
			errs = append(errs, ValidationError{Path: ch.path, Message: err.Error()})
		}
	}

	if bc.PublishInterval <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.publish_interval",
			Message: fmt.Sprintf("must be > 0; got %v", bc.PublishInterval),
		})
	}
	if bc.LinearScale <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.linear_scale",
			Message: fmt.Sprintf("must be > 0; got %v", bc.LinearScale),
		})
	}
	if bc.AngularScale <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.angular_scale",
			Message: fmt.Sprintf("must be > 0; got %v", bc.AngularScale),
		})
	}
	if bc.MaxFPS <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.max_fps",
			Message: fmt.Sprintf("must be > 0; got %v", bc.MaxFPS),
		})
	}
	if bc.JPEGQuality < 1 || bc.JPEGQuality > 100 {
		errs = append(errs, ValidationError{
			Path:    "bridge.jpeg_quality",
			Message: fmt.Sprintf("must be between 1 and 100; got %d", bc.JPEGQuality),
		})
	}
	if bc.ShutdownTimeout <= 0 {
		errs = append(errs, ValidationError{
			Path:    "bridge.shutdown_timeout",
			Message: fmt.Sprintf("must be > 0; got %v", bc.ShutdownTimeout),
		})
	}

	return errs
}

func (c *Config) validateMonitor() []error {
	mc := c.Monitor
	if !mc.Enabled {
		return nil
	}
	var errs []error

	if mc.Interval <= 0 {
		errs = append(errs, ValidationError{
			Path:    "monitor.interval",
			Message: fmt.Sprintf("must be > 0; got %v", mc.Interval),
		})
	}
	if err := validateChannelName(mc.Channel); err != nil {
		errs = append(errs, ValidationError{Path: "monitor.channel", Message: err.Error()})
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	log := c.Logging

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[log.Level] {
		errs = append(errs, ValidationError{
			Path:    "logging.level",
			Message: fmt.Sprintf("invalid value %q", log.Level),
			Hint:    "allowed values: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[log.Format] {
		errs = append(errs, ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("invalid value %q", log.Format),
			Hint:    "allowed values: json, console",
		})
	}

	if log.OutputFile != "" {
		dir := filepath.Dir(log.OutputFile)
		if dir != "" && dir != "." {
			if err := validateDirWritable(dir); err != nil {
				errs = append(errs, ValidationError{
					Path:    "logging.output_file",
					Message: fmt.Sprintf("parent directory not writable: %v", err),
				})
			}
		}
	}

	if log.MaxSizeMB < 0 || log.MaxBackups < 0 || log.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Path:    "logging",
			Message: "rotation limits must not be negative",
		})
	}

	return errs
}

// multiaddrPort returns the TCP or UDP port of ma.
func multiaddrPort(ma multiaddr.Multiaddr) (int, bool) {
	for _, code := range []int{multiaddr.P_TCP, multiaddr.P_UDP} {
		if v, err := ma.ValueForProtocol(code); err == nil {
			port, err := strconv.Atoi(v)
			if err != nil {
				return 0, false
			}
			return port, true
		}
	}
	return 0, false
}

func validateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("must not be empty")
	}
	if !strings.HasPrefix(name, "/") {
		return fmt.Errorf("must start with '/'; got %q", name)
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("must not contain whitespace; got %q", name)
	}
	return nil
}

func hasScheme(url string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(url, s+"://") {
			return true
		}
	}
	return false
}

func validateDataDir(path string) error {
	if path == "" {
		return fmt.Errorf("must not be empty")
	}

	// Expand ~ to home directory
	expandedPath := os.ExpandEnv(path)
	if strings.HasPrefix(expandedPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %v", err)
		}
		expandedPath = filepath.Join(home, expandedPath[1:])
	}

	if info, err := os.Stat(expandedPath); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory")
		}
		return validateDirWritable(expandedPath)
	} else if os.IsNotExist(err) {
		// Directory doesn't exist; it is created at startup if the parent allows it
		parent := filepath.Dir(expandedPath)
		info, err := os.Stat(parent)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("parent directory not accessible: %v", err)
			}
			return nil
		}
		if !info.IsDir() {
			return fmt.Errorf("parent path is not a directory")
		}
		if err := validateDirWritable(parent); err != nil {
			return fmt.Errorf("parent directory not writable: %v", err)
		}
	} else {
		return fmt.Errorf("cannot access path: %v", err)
	}

	return nil
}

func validateDirWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access directory: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory")
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte(""), 0644); err != nil {
		return fmt.Errorf("directory not writable: %v", err)
	}
	os.Remove(testFile)

	return nil
}

// validateListenAddr accepts host:port with an optional host.
func validateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("expected format [host]:port")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("port must be a number between 0 and 65535; got %q", port)
	}
	return nil
}
