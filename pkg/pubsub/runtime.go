// Package pubsub runs channel endpoints over libp2p GossipSub. Every channel
// maps to one topic named "<namespace>.<channel>", joined once per process
// and shared by the publisher and subscriber endpoints of that channel.
package pubsub

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/zap"
)

// DefaultDirectoryTopic carries channel announcements between peers.
const DefaultDirectoryTopic = "/roverlink/directory/v1"

// Runtime implements transport.Runtime on a GossipSub router.
type Runtime struct {
	pubsub    *pubsub.PubSub
	host      host.Host
	namespace string
	logger    *logging.ColoredLogger

	directoryTopic   string
	announceInterval time.Duration
	announceTimeout  time.Duration

	mu        sync.Mutex
	topics    map[string]*topicRef
	endpoints map[string]*endpointState
	closed    bool

	directory *DirectoryService
	wg        sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithDirectoryTopic overrides the topic used for channel announcements.
func WithDirectoryTopic(name string) Option {
	return func(r *Runtime) { r.directoryTopic = name }
}

// WithAnnounceInterval sets how often the directory re-announces live
// endpoints. Zero disables periodic announcements.
func WithAnnounceInterval(d time.Duration) Option {
	return func(r *Runtime) { r.announceInterval = d }
}

// NewRuntime creates a runtime publishing on ps. h supplies the peer identity
// and addresses put into announcements. An empty namespace uses the default
// namespace without its leading slash.
func NewRuntime(ps *pubsub.PubSub, h host.Host, namespace string, logger *logging.ColoredLogger, opts ...Option) (*Runtime, error) {
	if ps == nil {
		return nil, errors.NewConfigurationError("pubsub", "gossipsub router is required", nil)
	}
	if h == nil {
		return nil, errors.NewConfigurationError("host", "libp2p host is required", nil)
	}
	if namespace == "" {
		namespace = strings.TrimPrefix(transport.DefaultNamespace, "/")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Runtime{
		pubsub:           ps,
		host:             h,
		namespace:        namespace,
		logger:           logger,
		directoryTopic:   DefaultDirectoryTopic,
		announceInterval: 30 * time.Second,
		announceTimeout:  5 * time.Second,
		topics:           make(map[string]*topicRef),
		endpoints:        make(map[string]*endpointState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.directory = newDirectoryService(r)
	return r, nil
}

// Directory returns the service that tracks remote channel announcements.
func (r *Runtime) Directory() *DirectoryService {
	return r.directory
}

// topicName resolves the namespaced topic of channel, honouring a namespace
// override carried by ctx. Topics are named like NATS subjects so both
// runtimes agree: ("/roverlink", "/cmd_vel") -> "roverlink.cmd_vel".
func (r *Runtime) topicName(ctx context.Context, channel string) string {
	return transport.Subject(namespaceFrom(ctx, r.namespace), channel)
}

// Execute joins the channel topic and registers the endpoint in the
// background. See ExecuteContext.
func (r *Runtime) Execute(desc transport.Descriptor, cfg transport.Config, lc transport.Lifecycle) error {
	return r.ExecuteContext(context.Background(), desc, cfg, lc)
}

// ExecuteContext is Execute with a context that may carry a namespace
// override (WithNamespace). ctx is only consulted for the topic name; the
// endpoint lives until Shutdown.
func (r *Runtime) ExecuteContext(ctx context.Context, desc transport.Descriptor, cfg transport.Config, lc transport.Lifecycle) error {
	if lc == nil {
		return errors.NewValidationError("lifecycle", "lifecycle is required", nil)
	}
	name := r.topicName(ctx, desc.Name)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("execute %s: runtime closed", desc.Name)
	}
	if _, exists := r.endpoints[desc.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("execute %s: endpoint %s already running", desc.Name, desc.ID)
	}
	topic, err := r.acquireTopicLocked(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	var sub *pubsub.Subscription
	if desc.Role == transport.RoleSubscriber {
		sub, err = topic.Subscribe()
		if err != nil {
			r.releaseTopicLocked(name)
			r.mu.Unlock()
			return fmt.Errorf("failed to subscribe to topic: %w", err)
		}
	}

	epCtx, cancel := context.WithCancel(context.Background())
	es := &endpointState{
		desc:      desc,
		topicName: name,
		topic:     topic,
		sub:       sub,
		lc:        lc,
		ctx:       epCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.endpoints[desc.ID] = es
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.ComponentDebug(logging.ComponentLibP2P, "Executing endpoint",
		zap.String("topic", name),
		zap.String("role", desc.Role.String()),
		zap.String("node", desc.NodeName(cfg.Namespace)))

	go r.runEndpoint(es)
	return nil
}

// runEndpoint announces the endpoint, reports it ready and, for subscribers,
// forwards topic messages until the endpoint is cancelled.
func (r *Runtime) runEndpoint(es *endpointState) {
	defer r.wg.Done()
	defer close(es.done)

	if err := r.directory.announce(es.ctx, es.desc, false); err != nil {
		if es.ctx.Err() != nil {
			return
		}
		es.lc.OnFatalError(errors.NewTransportError(es.desc.Name, "announce", err))
		return
	}

	es.lc.OnReady(&topicConn{es: es})
	if es.sub != nil {
		r.readLoop(es)
	}
}

// Shutdown cancels the endpoint and completes its lifecycle on a separate
// goroutine.
func (r *Runtime) Shutdown(id string) {
	r.mu.Lock()
	es, ok := r.endpoints[id]
	if ok {
		delete(r.endpoints, id)
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	es.cancel()
	go func() {
		defer r.wg.Done()
		<-es.done
		if es.sub != nil {
			es.sub.Cancel()
		}

		r.mu.Lock()
		r.releaseTopicLocked(es.topicName)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.announceTimeout)
		if err := r.directory.announce(ctx, es.desc, true); err != nil {
			r.logger.ComponentDebug(logging.ComponentLibP2P, "Failed to withdraw channel announcement",
				zap.String("channel", es.desc.Name), zap.Error(err))
		}
		cancel()

		es.lc.OnShutdownRequested()
		es.lc.OnShutdownComplete()
		r.logger.ComponentDebug(logging.ComponentLibP2P, "Endpoint shut down",
			zap.String("topic", es.topicName), zap.String("role", es.desc.Role.String()))
	}()
}

// Topics lists the channels with a joined topic in the namespace of ctx.
func (r *Runtime) Topics(ctx context.Context) []string {
	prefix := transport.Subject(namespaceFrom(ctx, r.namespace), "") + "."

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name := range r.topics {
		if len(name) > len(prefix) && strings.HasPrefix(name, prefix) {
			out = append(out, "/"+strings.ReplaceAll(name[len(prefix):], ".", "/"))
		}
	}
	sort.Strings(out)
	return out
}

// Close shuts down every endpoint, stops the directory and waits for all
// background work to finish.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Shutdown(id)
	}
	r.directory.Stop()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, ref := range r.topics {
		if err := ref.topic.Close(); err != nil {
			r.logger.ComponentDebug(logging.ComponentLibP2P, "Failed to close topic",
				zap.String("topic", name), zap.Error(err))
		}
	}
	r.topics = make(map[string]*topicRef)
	return nil
}

// liveEndpoints returns the descriptors of running endpoints.
func (r *Runtime) liveEndpoints() []transport.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Descriptor, 0, len(r.endpoints))
	for _, es := range r.endpoints {
		out = append(out, es.desc)
	}
	return out
}
