package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/bridge"
	"github.com/DeBrosOfficial/roverlink/pkg/channel"
	"github.com/DeBrosOfficial/roverlink/pkg/config"
	rlerrors "github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
	"github.com/DeBrosOfficial/roverlink/pkg/metrics"
	"github.com/DeBrosOfficial/roverlink/pkg/pubsub"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/DeBrosOfficial/roverlink/pkg/transport/memory"
	"github.com/DeBrosOfficial/roverlink/pkg/transport/natsrt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Node is a roverlink process: one transport runtime, the channel registry
// on top of it, the status monitor and the WebSocket bridges.
type Node struct {
	config *config.Config
	logger *logging.ColoredLogger
	id     string

	host     *Host
	runtime  transport.Runtime
	registry *channel.Registry
	metrics  *metrics.Collector
	monitor  *Monitor

	control *bridge.ControlBridge
	video   *bridge.VideoBridge
	server  *http.Server
	addr    string

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// NewNode validates cfg and creates a node. Nothing is started until Start.
func NewNode(cfg *config.Config, logger *logging.ColoredLogger) (*Node, error) {
	if cfg == nil {
		return nil, rlerrors.NewConfigurationError("config", "configuration is required", nil)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, rlerrors.NewConfigurationError("config", "invalid configuration", errors.Join(errs...))
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Node{
		config: cfg,
		logger: logger,
		id:     uuid.NewString(),
	}, nil
}

// Start brings up the runtime, registry, monitor and bridges. On error
// everything started so far is stopped again.
func (n *Node) Start(ctx context.Context) (err error) {
	n.logger.ComponentInfo(logging.ComponentNode, "Starting roverlink node",
		zap.String("transport", n.config.Transport.Kind),
		zap.String("namespace", n.config.Node.Namespace))

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.group, ctx = errgroup.WithContext(ctx)
	defer func() {
		if err != nil {
			n.Stop()
		}
	}()

	if err := n.startTransport(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	if err := n.startRegistry(); err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	if n.config.Monitor.Enabled {
		n.startMonitor(ctx)
	}
	if err := n.startGateway(ctx); err != nil {
		return fmt.Errorf("failed to start bridges: %w", err)
	}

	n.logger.ComponentInfo(logging.ComponentNode, "Roverlink node started",
		zap.String("node_id", n.id),
		zap.String("peer_id", n.PeerID()))
	return nil
}

func (n *Node) startTransport(ctx context.Context) error {
	switch n.config.Transport.Kind {
	case config.TransportMemory, "":
		n.runtime = memory.New(memory.WithLogger(n.logger))

	case config.TransportLibP2P:
		h, err := NewHost(n.config, n.logger)
		if err != nil {
			return err
		}
		n.host = h
		rt, err := pubsub.NewRuntime(h.PubSub, h.Host, n.config.Node.Namespace, n.logger,
			pubsub.WithDirectoryTopic(n.config.Discovery.DirectoryTopic),
			pubsub.WithAnnounceInterval(n.config.Discovery.AnnounceInterval),
		)
		if err != nil {
			return err
		}
		n.runtime = rt
		if err := rt.Directory().Start(ctx); err != nil {
			return fmt.Errorf("failed to start channel directory: %w", err)
		}

	case config.TransportNATS:
		rt, err := natsrt.Connect(n.config.Transport.NATSURL, n.config.Transport.ConnectTimeout,
			natsrt.WithNamespace(n.config.Node.Namespace),
			natsrt.WithLogger(n.logger),
		)
		if err != nil {
			return err
		}
		n.runtime = rt

	default:
		return rlerrors.NewConfigurationError("transport.kind",
			fmt.Sprintf("unknown transport %q", n.config.Transport.Kind), nil)
	}
	return nil
}

func (n *Node) startRegistry() error {
	codec, err := message.CodecByName(n.config.Channel.Codec)
	if err != nil {
		return err
	}
	n.metrics = metrics.New()

	reg, err := channel.NewRegistry(n.runtime,
		transport.Config{Host: n.config.Node.Host, Namespace: n.config.Node.Namespace},
		channel.WithLogger(n.logger),
		channel.WithCodec(codec),
		channel.WithQueueSize(n.config.Channel.QueueSize),
		channel.WithLeakRelease(n.config.Channel.LeakRelease),
		channel.WithMetrics(n.metrics),
		channel.WithFatalErrorHandler(n.handleFatalError),
	)
	if err != nil {
		return err
	}
	n.registry = reg
	return nil
}

// handleFatalError keeps the process alive; the endpoint has already been
// detached and the next acquire of the channel creates a fresh one.
func (n *Node) handleFatalError(name string, role transport.Role, err error) {
	n.logger.ComponentError(logging.ComponentNode, "Channel endpoint failed",
		zap.String("channel", name),
		zap.String("role", role.String()),
		zap.Error(err))
	if trace := rlerrors.StackTrace(err); trace != "" {
		n.logger.ComponentDebug(logging.ComponentNode, "Channel endpoint failure origin",
			zap.String("channel", name),
			zap.String("stack", trace))
	}
}

func (n *Node) startMonitor(ctx context.Context) {
	opts := []MonitorOption{
		WithInterval(n.config.Monitor.Interval),
		WithStatusChannel(n.config.Monitor.Channel),
		WithMonitorLogger(n.logger),
	}
	if n.host != nil {
		opts = append(opts, WithPeerCounter(n.host.PeerCount))
	}
	n.monitor = NewMonitor(n.registry, n.id, opts...)
	n.group.Go(func() error {
		return n.monitor.Run(ctx)
	})
}

// Wait blocks until a background service fails or the node is stopped.
func (n *Node) Wait() error {
	if n.group == nil {
		return nil
	}
	return n.group.Wait()
}

// Registry returns the node's channel registry.
func (n *Node) Registry() *channel.Registry {
	return n.registry
}

// ID returns the node identifier reported in status messages.
func (n *Node) ID() string {
	return n.id
}

// PeerID returns the libp2p peer ID, or "" for other transports.
func (n *Node) PeerID() string {
	if n.host == nil {
		return ""
	}
	return n.host.ID().String()
}

// Stop shuts the node down: bridges first, then the registry bounded by
// the configured shutdown timeout, then the runtime and the host. Only the
// first call does any work.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() { n.stopErr = n.stop() })
	return n.stopErr
}

func (n *Node) stop() error {
	n.logger.ComponentInfo(logging.ComponentNode, "Stopping roverlink node")

	var errs []error
	if err := n.stopGateway(); err != nil {
		errs = append(errs, err)
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.group != nil {
		if err := n.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if n.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), n.shutdownTimeout())
		if err := n.registry.Close(ctx); err != nil {
			n.logger.ComponentWarn(logging.ComponentNode, "Registry did not drain in time", zap.Error(err))
			errs = append(errs, err)
		}
		cancel()
	}
	if n.runtime != nil {
		if err := n.runtime.Close(); err != nil {
			errs = append(errs, rlerrors.NewInternalError("close runtime", err).WithOperation("stop"))
		}
	}
	if n.host != nil {
		if err := n.host.Close(); err != nil {
			errs = append(errs, rlerrors.NewInternalError("close host", err).WithOperation("stop"))
		}
	}

	n.logger.ComponentInfo(logging.ComponentNode, "Roverlink node stopped")
	return errors.Join(errs...)
}

func (n *Node) shutdownTimeout() time.Duration {
	if d := n.config.Bridge.ShutdownTimeout; d > 0 {
		return d
	}
	return 10 * time.Second
}
