// Package transport defines the contract between channel endpoints and the
// middleware runtime that registers them with the network.
//
// A Runtime executes an endpoint asynchronously. It later reports the outcome
// through the endpoint's Lifecycle: exactly one of OnReady or OnFatalError,
// and on teardown OnShutdownRequested followed by OnShutdownComplete.
// Lifecycle callbacks may arrive on any goroutine.
package transport

import (
	"fmt"
	"strings"
)

// Role is the side of a channel an endpoint serves.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses "publisher"/"subscriber" (also "pub"/"sub").
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "publisher", "pub", "publish":
		return RolePublisher, nil
	case "subscriber", "sub", "subscribe":
		return RoleSubscriber, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Descriptor identifies one endpoint to the runtime.
type Descriptor struct {
	ID          string // unique per endpoint instance
	Name        string // channel name, e.g. "/cmd_vel"
	Role        Role
	ChannelType string // wire type identifier, e.g. "geometry_msgs/Twist"
}

// NodeName returns the network-visible name of the endpoint under namespace.
func (d Descriptor) NodeName(namespace string) string {
	return NodeName(namespace, d.Role, d.Name)
}

// Config is the node configuration shared by every endpoint a registry
// executes.
type Config struct {
	Host      string // address this process is reachable at
	Namespace string // prefix for endpoint node names
}

// DefaultNamespace is used when Config.Namespace is empty.
const DefaultNamespace = "/roverlink"

// Conn is the send primitive a ready publisher endpoint uses.
type Conn interface {
	Send(data []byte) error
}

// Lifecycle receives the runtime's notifications for one endpoint.
type Lifecycle interface {
	OnReady(conn Conn)
	OnShutdownRequested()
	OnShutdownComplete()
	OnFatalError(err error)
	// OnMessage delivers an inbound payload to a subscriber endpoint.
	// Calls for one endpoint must not overlap.
	OnMessage(data []byte)
}

// Runtime executes endpoints and tears them down.
type Runtime interface {
	// Execute starts registering the endpoint and returns without waiting
	// for the outcome. An error means the runtime refused the endpoint and
	// no lifecycle callback will follow.
	Execute(desc Descriptor, cfg Config, lc Lifecycle) error
	// Shutdown requests teardown of the endpoint with the given descriptor
	// ID. Unknown IDs are ignored. Shutdown must not invoke lifecycle
	// callbacks on the calling goroutine, and it must still complete the
	// lifecycle of an endpoint that reported OnFatalError.
	Shutdown(id string)
	// Close releases runtime resources.
	Close() error
}

// NodeName builds "<namespace>/publish<channel>" or
// "<namespace>/subscribe<channel>".
func NodeName(namespace string, role Role, channel string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	namespace = strings.TrimSuffix(namespace, "/")
	if !strings.HasPrefix(channel, "/") {
		channel = "/" + channel
	}
	verb := "publish"
	if role == RoleSubscriber {
		verb = "subscribe"
	}
	return namespace + "/" + verb + channel
}

// Subject maps a channel name onto a dot-separated subject under namespace,
// e.g. ("/roverlink", "/camera/rgb") -> "roverlink.camera.rgb".
func Subject(namespace, channel string) string {
	parts := make([]string, 0, 4)
	for _, p := range strings.Split(namespace+"/"+channel, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}
