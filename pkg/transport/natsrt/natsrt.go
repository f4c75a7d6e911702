// Package natsrt runs channel endpoints over a NATS connection. A channel
// maps to the subject "<namespace>.<channel>" with "/" turned into ".", so
// "/camera/rgb" under "/roverlink" becomes "roverlink.camera.rgb".
package natsrt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultFlushTimeout bounds the server round-trip that completes an
// endpoint's registration.
const DefaultFlushTimeout = 5 * time.Second

// Option configures a Runtime.
type Option func(*Runtime)

// WithNamespace sets the subject namespace. When empty, the namespace of the
// node configuration passed to Execute is used.
func WithNamespace(ns string) Option {
	return func(r *Runtime) { r.namespace = ns }
}

// WithLogger sets the runtime logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithFlushTimeout overrides DefaultFlushTimeout.
func WithFlushTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.flushTimeout = d }
}

type endpoint struct {
	desc    transport.Descriptor
	subject string
	lc      transport.Lifecycle

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when setup finished
	sub    *nats.Subscription
	ready  atomic.Bool
	failed atomic.Bool
}

// Runtime implements transport.Runtime on a NATS connection.
type Runtime struct {
	nc           *nats.Conn
	ownsConn     bool
	namespace    string
	logger       *logging.ColoredLogger
	flushTimeout time.Duration

	mu        sync.Mutex
	endpoints map[string]*endpoint
	closed    bool

	wg sync.WaitGroup
}

// New creates a runtime on an established connection. The caller keeps
// ownership of nc.
func New(nc *nats.Conn, opts ...Option) (*Runtime, error) {
	if nc == nil {
		return nil, errors.NewConfigurationError("nats", "NATS connection is required", nil)
	}
	r := newRuntime(opts)
	r.nc = nc
	return r, nil
}

func newRuntime(opts []Option) *Runtime {
	r := &Runtime{
		logger:       logging.NewNop(),
		flushTimeout: DefaultFlushTimeout,
		endpoints:    make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect dials url and returns a runtime that owns the connection. When the
// connection is closed for good every live endpoint receives a fatal error.
func Connect(url string, timeout time.Duration, opts ...Option) (*Runtime, error) {
	r := newRuntime(opts)
	nc, err := nats.Connect(url,
		nats.Name("roverlink"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.ComponentWarn(logging.ComponentNATS, "Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			r.logger.ComponentInfo(logging.ComponentNATS, "Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			r.failAll(nats.ErrConnectionClosed)
		}),
	)
	if err != nil {
		return nil, errors.NewTransportError("", "connect", err)
	}
	r.nc = nc
	r.ownsConn = true
	r.logger.ComponentInfo(logging.ComponentNATS, "Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return r, nil
}

// Conn returns the underlying connection.
func (r *Runtime) Conn() *nats.Conn {
	return r.nc
}

// Subject returns the subject used for channel under cfg.
func (r *Runtime) Subject(cfg transport.Config, channel string) string {
	ns := r.namespace
	if ns == "" {
		ns = cfg.Namespace
	}
	if ns == "" {
		ns = transport.DefaultNamespace
	}
	return transport.Subject(ns, channel)
}

// Execute registers the endpoint in the background: subscribers subscribe
// first, then both roles flush to the server and report ready.
func (r *Runtime) Execute(desc transport.Descriptor, cfg transport.Config, lc transport.Lifecycle) error {
	if lc == nil {
		return errors.NewValidationError("lifecycle", "lifecycle is required", nil)
	}
	subject := r.Subject(cfg, desc.Name)
	if subject == "" {
		return errors.NewValidationError("channel", "channel maps to an empty subject", desc.Name)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("execute %s: runtime closed", desc.Name)
	}
	if r.nc.IsClosed() {
		r.mu.Unlock()
		return fmt.Errorf("execute %s: %w", desc.Name, nats.ErrConnectionClosed)
	}
	if _, exists := r.endpoints[desc.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("execute %s: endpoint %s already running", desc.Name, desc.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ep := &endpoint{
		desc:    desc,
		subject: subject,
		lc:      lc,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.endpoints[desc.ID] = ep
	r.wg.Add(1)
	r.mu.Unlock()

	go r.setup(ep)
	return nil
}

func (r *Runtime) setup(ep *endpoint) {
	defer r.wg.Done()
	defer close(ep.done)

	if ep.desc.Role == transport.RoleSubscriber {
		// NATS runs the handler on one goroutine per subscription, so
		// OnMessage calls never overlap.
		sub, err := r.nc.Subscribe(ep.subject, func(m *nats.Msg) {
			if ep.ready.Load() && ep.ctx.Err() == nil {
				ep.lc.OnMessage(m.Data)
			}
		})
		if err != nil {
			r.fail(ep, errors.NewTransportError(ep.desc.Name, "subscribe", err))
			return
		}
		ep.sub = sub
	}

	if err := r.nc.FlushTimeout(r.flushTimeout); err != nil {
		if ep.ctx.Err() != nil {
			return
		}
		r.fail(ep, errors.NewTransportError(ep.desc.Name, "flush", err))
		return
	}
	if ep.ctx.Err() != nil {
		return
	}

	ep.ready.Store(true)
	r.logger.ComponentDebug(logging.ComponentNATS, "Endpoint registered",
		zap.String("subject", ep.subject), zap.String("role", ep.desc.Role.String()))
	ep.lc.OnReady(&conn{r: r, ep: ep})
}

func (r *Runtime) fail(ep *endpoint, err error) {
	if !ep.failed.CompareAndSwap(false, true) {
		return
	}
	ep.ready.Store(false)
	r.logger.ComponentError(logging.ComponentNATS, "Endpoint failed",
		zap.String("subject", ep.subject), zap.Error(err))
	ep.lc.OnFatalError(err)
}

// failAll reports err to every live endpoint.
func (r *Runtime) failAll(err error) {
	r.mu.Lock()
	eps := make([]*endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	r.mu.Unlock()
	for _, ep := range eps {
		if ep.ctx.Err() == nil {
			r.fail(ep, errors.NewFatalTransportError(ep.desc.Name, err))
		}
	}
}

// Shutdown unsubscribes the endpoint and completes its lifecycle on a
// separate goroutine.
func (r *Runtime) Shutdown(id string) {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if ok {
		delete(r.endpoints, id)
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ep.cancel()
	ep.ready.Store(false)
	go func() {
		defer r.wg.Done()
		<-ep.done
		if ep.sub != nil {
			if err := ep.sub.Unsubscribe(); err != nil && !r.nc.IsClosed() {
				r.logger.ComponentDebug(logging.ComponentNATS, "Unsubscribe failed",
					zap.String("subject", ep.subject), zap.Error(err))
			}
		}
		ep.lc.OnShutdownRequested()
		ep.lc.OnShutdownComplete()
	}()
}

// Close shuts down every endpoint and waits for their lifecycles to
// complete. A connection opened by Connect is drained and closed.
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
	r.wg.Wait()

	if r.ownsConn && !r.nc.IsClosed() {
		if err := r.nc.Drain(); err != nil {
			r.nc.Close()
			return errors.NewTransportError("", "drain", err)
		}
	}
	return nil
}

// conn publishes on the endpoint subject.
type conn struct {
	r  *Runtime
	ep *endpoint
}

func (c *conn) Send(data []byte) error {
	if err := c.ep.ctx.Err(); err != nil {
		return fmt.Errorf("publish on %s: endpoint shut down: %w", c.ep.subject, err)
	}
	if err := c.r.nc.Publish(c.ep.subject, data); err != nil {
		return fmt.Errorf("publish on %s: %w", c.ep.subject, err)
	}
	return nil
}
