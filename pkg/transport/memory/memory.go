// Package memory is an in-process loopback transport runtime. Publishers'
// payloads are delivered to every ready subscriber endpoint of the same
// channel in this process. Tests use the manual mode to drive readiness and
// failures explicitly.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"go.uber.org/zap"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithManualReady disables automatic readiness. Endpoints stay registered
// until Ready or Fail is called.
func WithManualReady() Option {
	return func(r *Runtime) { r.manual = true }
}

// WithReadyDelay delays automatic readiness, simulating registration latency.
func WithReadyDelay(d time.Duration) Option {
	return func(r *Runtime) { r.delay = d }
}

// WithLogger sets the runtime logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(r *Runtime) { r.logger = l }
}

type endpoint struct {
	desc  transport.Descriptor
	lc    transport.Lifecycle
	timer *time.Timer

	// guarded by Runtime.mu
	ready bool
	dead  bool

	// serializes OnMessage calls for this endpoint
	deliverMu sync.Mutex
}

// Runtime implements transport.Runtime in process.
type Runtime struct {
	logger *logging.ColoredLogger
	manual bool
	delay  time.Duration

	mu          sync.Mutex
	endpoints   map[string]*endpoint
	executed    []transport.Descriptor
	shutdowns   []string
	sent        map[string][][]byte
	executeErrs []error
	closed      bool

	wg sync.WaitGroup
}

// New creates an in-process runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger:    logging.NewNop(),
		endpoints: make(map[string]*endpoint),
		sent:      make(map[string][][]byte),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute implements transport.Runtime.
func (r *Runtime) Execute(desc transport.Descriptor, cfg transport.Config, lc transport.Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executed = append(r.executed, desc)
	if r.closed {
		return fmt.Errorf("memory runtime closed")
	}
	if len(r.executeErrs) > 0 {
		err := r.executeErrs[0]
		r.executeErrs = r.executeErrs[1:]
		return err
	}
	if _, exists := r.endpoints[desc.ID]; exists {
		return fmt.Errorf("endpoint %s already executing", desc.ID)
	}

	ep := &endpoint{desc: desc, lc: lc}
	r.endpoints[desc.ID] = ep

	r.logger.ComponentDebug(logging.ComponentTransport, "Executing endpoint",
		zap.String("node", desc.NodeName(cfg.Namespace)),
		zap.String("type", desc.ChannelType),
		zap.String("id", desc.ID))

	if !r.manual {
		r.wg.Add(1)
		ep.timer = time.AfterFunc(r.delay, func() {
			defer r.wg.Done()
			r.markReady(ep)
		})
	}
	return nil
}

// Shutdown implements transport.Runtime. Teardown completes asynchronously.
func (r *Runtime) Shutdown(id string) {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.endpoints, id)
	ep.dead = true
	r.shutdowns = append(r.shutdowns, id)
	if ep.timer != nil && ep.timer.Stop() {
		r.wg.Done()
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ep.lc.OnShutdownRequested()
		ep.lc.OnShutdownComplete()
	}()
}

// Close shuts down all live endpoints and waits for pending callbacks.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Shutdown(id)
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) markReady(ep *endpoint) {
	r.mu.Lock()
	if ep.dead || ep.ready {
		r.mu.Unlock()
		return
	}
	ep.ready = true
	r.mu.Unlock()

	ep.lc.OnReady(&conn{rt: r, ep: ep})
}

func (r *Runtime) find(name string, role transport.Role) *endpoint {
	for _, ep := range r.endpoints {
		if ep.desc.Name == name && ep.desc.Role == role {
			return ep
		}
	}
	return nil
}

// Ready completes registration of the live endpoint (name, role).
func (r *Runtime) Ready(name string, role transport.Role) error {
	r.mu.Lock()
	ep := r.find(name, role)
	r.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("no live %s endpoint for %s", role, name)
	}
	r.markReady(ep)
	return nil
}

// Fail reports a fatal runtime error for the live endpoint (name, role).
func (r *Runtime) Fail(name string, role transport.Role, err error) error {
	r.mu.Lock()
	ep := r.find(name, role)
	r.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("no live %s endpoint for %s", role, name)
	}
	ep.lc.OnFatalError(err)
	return nil
}

// FailNextExecute makes the next Execute call return err synchronously.
func (r *Runtime) FailNextExecute(err error) {
	r.mu.Lock()
	r.executeErrs = append(r.executeErrs, err)
	r.mu.Unlock()
}

// Inject delivers data to the ready subscribers of name as if it came from a
// remote publisher.
func (r *Runtime) Inject(name string, data []byte) {
	r.deliver(name, data)
}

func (r *Runtime) deliver(name string, data []byte) {
	r.mu.Lock()
	var targets []*endpoint
	for _, ep := range r.endpoints {
		if ep.ready && ep.desc.Role == transport.RoleSubscriber && ep.desc.Name == name {
			targets = append(targets, ep)
		}
	}
	r.mu.Unlock()

	for _, ep := range targets {
		ep.deliverMu.Lock()
		ep.lc.OnMessage(data)
		ep.deliverMu.Unlock()
	}
}

// Executed returns the descriptors passed to Execute, in call order.
func (r *Runtime) Executed() []transport.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Descriptor(nil), r.executed...)
}

// Shutdowns returns the descriptor IDs passed to Shutdown for live endpoints.
func (r *Runtime) Shutdowns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.shutdowns...)
}

// Sent returns the payloads published on name.
func (r *Runtime) Sent(name string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.sent[name]...)
}

// Live returns the number of endpoints not yet shut down.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

type conn struct {
	rt *Runtime
	ep *endpoint
}

func (c *conn) Send(data []byte) error {
	c.rt.mu.Lock()
	if c.ep.dead {
		c.rt.mu.Unlock()
		return fmt.Errorf("endpoint %s shut down", c.ep.desc.ID)
	}
	name := c.ep.desc.Name
	c.rt.sent[name] = append(c.rt.sent[name], append([]byte(nil), data...))
	c.rt.mu.Unlock()

	c.rt.deliver(name, data)
	return nil
}
