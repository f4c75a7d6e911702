// Package channel multiplexes publishers and subscribers onto shared
// endpoints. A Registry keeps at most one endpoint per (channel name, role),
// hands out reference-counted handles to it, and tears the endpoint down
// when the last handle is closed.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type roleTable struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool
}

// Registry is the single source of truth mapping (channel name, role) to
// endpoints. Construct one per process and share it.
type Registry struct {
	rt          transport.Runtime
	cfg         transport.Config
	logger      *logging.ColoredLogger
	codec       message.Codec
	queueSize   int
	onFatal     FatalErrorHandler
	leakRelease bool
	metrics     Metrics
	types       typeResolver

	publishers  roleTable
	subscribers roleTable

	// endpoints not yet terminated, including detached ones
	liveMu sync.Mutex
	live   map[*endpoint]struct{}

	closed atomic.Bool
}

// NewRegistry creates a registry that executes endpoints on rt with the
// shared node configuration cfg.
func NewRegistry(rt transport.Runtime, cfg transport.Config, opts ...Option) (*Registry, error) {
	if rt == nil {
		return nil, errors.NewConfigurationError("runtime", "transport runtime is required", nil)
	}
	if cfg.Host == "" {
		return nil, errors.NewConfigurationError("node.host", "node configuration must set a host", nil)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = transport.DefaultNamespace
	}

	r := &Registry{
		rt:          rt,
		cfg:         cfg,
		logger:      logging.NewNop(),
		codec:       message.JSONCodec{},
		queueSize:   DefaultQueueSize,
		leakRelease: true,
		metrics:     nopMetrics{},
		publishers:  roleTable{endpoints: make(map[string]*endpoint)},
		subscribers: roleTable{endpoints: make(map[string]*endpoint)},
		live:        make(map[*endpoint]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the node configuration passed to every executed endpoint.
func (r *Registry) Config() transport.Config {
	return r.cfg
}

func (r *Registry) table(role transport.Role) *roleTable {
	if role == transport.RoleSubscriber {
		return &r.subscribers
	}
	return &r.publishers
}

func newEndpointID() string {
	return uuid.NewString()
}

func validateName(name string) error {
	if name == "" {
		return errors.NewConfigurationError("name", "channel name must not be empty",
			errors.NewValidationError("name", "must not be empty", name))
	}
	return nil
}

// acquire finds or creates the endpoint for (name, role) and takes one handle
// reference on it. The table lock is held across lookup, insertion,
// Runtime.Execute and the refcount increment.
func (r *Registry) acquire(name string, role transport.Role, info typeInfo, decode func([]byte) (any, error)) (*endpoint, error) {
	t := r.table(role)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("acquire %s %s: %w", role, name, errors.ErrRegistryClosed)
	}

	if e, ok := t.endpoints[name]; ok && e.currentState() >= StateShuttingDown {
		// failed but not yet detached by its event loop
		delete(t.endpoints, name)
	}

	if e, ok := t.endpoints[name]; ok {
		if e.info.goType != info.goType {
			existing, requested := e.info.id, info.id
			if existing == requested {
				existing = fmt.Sprintf("%s (%s)", existing, e.info.goType)
				requested = fmt.Sprintf("%s (%s)", requested, info.goType)
			}
			return nil, errors.NewTypeConflictError(name, role.String(), existing, requested)
		}
		e.mu.Lock()
		e.handles++
		e.mu.Unlock()
		return e, nil
	}

	e := newEndpoint(r, name, role, info, decode)
	t.endpoints[name] = e
	r.liveMu.Lock()
	r.live[e] = struct{}{}
	r.liveMu.Unlock()
	r.metrics.EndpointOpened(role, name)
	go e.run()

	e.mu.Lock()
	e.transition(StateConnecting)
	e.mu.Unlock()

	if err := r.rt.Execute(e.desc, r.cfg, e); err != nil {
		delete(t.endpoints, name)
		e.enqueue(refusedEvent{err: err})
		r.logger.ComponentError(logging.ComponentChannel, "Runtime refused endpoint",
			zap.String("channel", name), zap.String("role", role.String()), zap.Error(err))
		return nil, errors.NewTransportError(name, "execute", err)
	}

	e.mu.Lock()
	e.handles++
	e.mu.Unlock()

	r.logger.ComponentInfo(logging.ComponentChannel, "Endpoint created",
		zap.String("channel", name),
		zap.String("role", role.String()),
		zap.String("type", info.id),
		zap.String("node", e.desc.NodeName(r.cfg.Namespace)))
	return e, nil
}

// release drops one handle reference. At zero the endpoint leaves its table
// and teardown is requested, atomically with respect to acquire.
func (r *Registry) release(e *endpoint) {
	t := r.table(e.role)
	t.mu.Lock()
	e.mu.Lock()
	e.handles--
	if e.handles < 0 {
		n := e.handles
		e.mu.Unlock()
		t.mu.Unlock()
		panic(errors.NewInvariantError("handle-count",
			fmt.Sprintf("endpoint %s %s handle count went negative (%d)", e.role, e.name, n)))
	}
	needTeardown := false
	if e.handles == 0 {
		if t.endpoints[e.name] == e {
			delete(t.endpoints, e.name)
		}
		needTeardown = e.shutDown()
	}
	e.mu.Unlock()
	t.mu.Unlock()

	r.metrics.HandleReleased(e.role)
	if needTeardown {
		r.logger.ComponentDebug(logging.ComponentChannel, "Last handle released, tearing down endpoint",
			zap.String("channel", e.name), zap.String("role", e.role.String()))
		r.rt.Shutdown(e.desc.ID)
	}
}

// detach removes e from its table if it is still the mapped endpoint, so the
// next acquire creates a fresh one.
func (r *Registry) detach(e *endpoint) {
	t := r.table(e.role)
	t.mu.Lock()
	if t.endpoints[e.name] == e {
		delete(t.endpoints, e.name)
	}
	t.mu.Unlock()
}

func (r *Registry) terminated(e *endpoint) {
	r.detach(e)
	r.liveMu.Lock()
	_, ok := r.live[e]
	delete(r.live, e)
	r.liveMu.Unlock()
	if ok {
		r.metrics.EndpointClosed(e.role, e.name)
	}
}

// Close refuses further acquisitions, shuts down every live endpoint and
// waits until all of them terminated or ctx is done. Live handles keep
// returning NotReady until they are closed. The runtime is not closed.
func (r *Registry) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, t := range []*roleTable{&r.publishers, &r.subscribers} {
		t.mu.Lock()
		t.closed = true
		t.endpoints = make(map[string]*endpoint)
		t.mu.Unlock()
	}

	r.liveMu.Lock()
	live := make([]*endpoint, 0, len(r.live))
	for e := range r.live {
		live = append(live, e)
	}
	r.liveMu.Unlock()

	r.logger.ComponentInfo(logging.ComponentChannel, "Closing registry", zap.Int("endpoints", len(live)))

	for _, e := range live {
		e.mu.Lock()
		needTeardown := e.shutDown()
		e.mu.Unlock()
		if needTeardown {
			r.rt.Shutdown(e.desc.ID)
		}
	}

	for _, e := range live {
		select {
		case <-e.stopped:
		case <-ctx.Done():
			return errors.NewTimeoutError("registry close", "").WithCause(ctx.Err())
		}
	}
	return nil
}

// Stats summarizes the endpoints currently mapped in the registry.
type Stats struct {
	Publishers        int `json:"publishers"`
	Subscribers       int `json:"subscribers"`
	PublisherHandles  int `json:"publisher_handles"`
	SubscriberHandles int `json:"subscriber_handles"`
	Live              int `json:"live"`
}

// Stats returns endpoint and handle counts per role.
func (r *Registry) Stats() Stats {
	var s Stats
	s.Publishers, s.PublisherHandles = r.publishers.count()
	s.Subscribers, s.SubscriberHandles = r.subscribers.count()
	r.liveMu.Lock()
	s.Live = len(r.live)
	r.liveMu.Unlock()
	return s
}

func (t *roleTable) count() (endpoints, handles int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.endpoints {
		endpoints++
		handles += e.handleCount()
	}
	return endpoints, handles
}

// ChannelInfo describes one mapped endpoint.
type ChannelInfo struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	ChannelType string `json:"channel_type"`
	Node        string `json:"node"`
	State       State  `json:"state"`
	Handles     int    `json:"handles"`
	Consumers   int    `json:"consumers,omitempty"`
}

// Channels lists the endpoints mapped for role, sorted by name.
func (r *Registry) Channels(role transport.Role) []ChannelInfo {
	t := r.table(role)
	t.mu.Lock()
	out := make([]ChannelInfo, 0, len(t.endpoints))
	for _, e := range t.endpoints {
		e.mu.Lock()
		info := ChannelInfo{
			Name:        e.name,
			Role:        role.String(),
			ChannelType: e.info.id,
			Node:        e.desc.NodeName(r.cfg.Namespace),
			State:       e.state,
			Handles:     e.handles,
		}
		e.mu.Unlock()
		if role == transport.RoleSubscriber {
			info.Consumers = e.consumerCount()
		}
		out = append(out, info)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AcquirePublisher returns a handle to the publisher endpoint of name,
// creating and executing the endpoint if none is live. It fails with a
// TypeConflictError when the live endpoint carries a different type.
func AcquirePublisher[T any](r *Registry, name string) (*PublishHandle[T], error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	info, err := resolve[T](&r.types)
	if err != nil {
		return nil, err
	}
	e, err := r.acquire(name, transport.RolePublisher, info, nil)
	if err != nil {
		return nil, err
	}
	r.metrics.HandleAcquired(transport.RolePublisher)
	return newPublishHandle[T](e), nil
}

// AcquireSubscriber returns a handle to the subscriber endpoint of name,
// creating and executing the endpoint if none is live.
func AcquireSubscriber[T any](r *Registry, name string) (*SubscribeHandle[T], error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	info, err := resolve[T](&r.types)
	if err != nil {
		return nil, err
	}
	codec := r.codec
	decode := func(data []byte) (any, error) {
		var v T
		if err := codec.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	e, err := r.acquire(name, transport.RoleSubscriber, info, decode)
	if err != nil {
		return nil, err
	}
	r.metrics.HandleAcquired(transport.RoleSubscriber)
	return newSubscribeHandle[T](e), nil
}
