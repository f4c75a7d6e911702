package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"go.uber.org/zap"
)

// endpoint is the single live registration of one (channel name, role) with
// the transport runtime. Handles share it; the registry tears it down when
// the last handle is released.
//
// Runtime notifications arrive through the transport.Lifecycle methods,
// which only enqueue events. A single goroutine (run) applies them in order.
type endpoint struct {
	reg    *Registry
	name   string
	role   transport.Role
	info   typeInfo
	desc   transport.Descriptor
	logger *logging.ColoredLogger

	// decode turns an inbound payload into a T, boxed. Subscriber only.
	decode func([]byte) (any, error)

	mu       sync.Mutex
	state    State
	conn     transport.Conn // non-nil iff state == StateReady
	handles  int
	teardown bool // Runtime.Shutdown already requested
	cause    error
	readyCh  chan struct{} // closed on Ready
	doneCh   chan struct{} // closed on ShuttingDown
	termCh   chan struct{} // closed on Terminated

	events  chan event
	stopped chan struct{}

	consumersMu sync.Mutex // serializes writers of consumers
	consumers   atomic.Pointer[[]*consumer]
	nextID      atomic.Uint64
}

type consumer struct {
	id      uint64
	fn      func(any)
	removed atomic.Bool
}

func newEndpoint(reg *Registry, name string, role transport.Role, info typeInfo, decode func([]byte) (any, error)) *endpoint {
	e := &endpoint{
		reg:    reg,
		name:   name,
		role:   role,
		info:   info,
		decode: decode,
		desc: transport.Descriptor{
			ID:          newEndpointID(),
			Name:        name,
			Role:        role,
			ChannelType: info.id,
		},
		state:   StateCreated,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
		termCh:  make(chan struct{}),
		events:  make(chan event, reg.queueSize),
		stopped: make(chan struct{}),
	}
	e.logger = reg.logger.With(
		zap.String("channel", name),
		zap.String("role", role.String()),
		zap.String("endpoint_id", e.desc.ID),
	)
	empty := make([]*consumer, 0)
	e.consumers.Store(&empty)
	return e
}

// transition moves the state machine along one edge. Caller holds e.mu.
func (e *endpoint) transition(to State) bool {
	from := e.state
	if !canTransition(from, to) {
		return false
	}
	e.state = to
	switch to {
	case StateReady:
		close(e.readyCh)
	case StateShuttingDown:
		e.conn = nil
		close(e.doneCh)
	case StateTerminated:
		close(e.termCh)
	}
	e.logger.ComponentDebug(logging.ComponentChannel, "Endpoint state changed",
		zap.Stringer("from", from), zap.Stringer("to", to))
	return true
}

// shutDown forces ShuttingDown and reports whether the caller must request
// teardown from the runtime. Caller holds e.mu.
func (e *endpoint) shutDown() bool {
	if e.state < StateShuttingDown {
		e.transition(StateShuttingDown)
	}
	if e.teardown || e.state == StateTerminated {
		return false
	}
	e.teardown = true
	return true
}

func (e *endpoint) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *endpoint) handleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles
}

func (e *endpoint) notReady() error {
	e.mu.Lock()
	state, cause := e.state, e.cause
	e.mu.Unlock()
	return errors.NewNotReadyError(e.name, state.String()).WithCause(cause)
}

// Lifecycle callbacks

func (e *endpoint) OnReady(conn transport.Conn) { e.enqueue(readyEvent{conn: conn}) }
func (e *endpoint) OnShutdownRequested()        { e.enqueue(shutdownRequestedEvent{}) }
func (e *endpoint) OnShutdownComplete()         { e.enqueue(shutdownCompleteEvent{}) }
func (e *endpoint) OnFatalError(err error)      { e.enqueue(fatalErrorEvent{err: err}) }

// OnMessage queues an inbound payload. When the queue is full the payload is
// dropped so a slow consumer never stalls the runtime.
func (e *endpoint) OnMessage(data []byte) {
	select {
	case e.events <- messageEvent{data: data}:
	case <-e.stopped:
	default:
		e.reg.metrics.Dropped(e.name, "queue_full")
		e.logger.ComponentWarn(logging.ComponentChannel, "Event queue full, dropping message",
			zap.Int("queue_size", cap(e.events)))
	}
}

func (e *endpoint) enqueue(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopped:
	}
}

// run applies queued events until the endpoint terminates.
func (e *endpoint) run() {
	defer close(e.stopped)
	for ev := range e.events {
		if e.apply(ev) == StateTerminated {
			return
		}
	}
}

// apply performs the transition for one event and returns the resulting state.
func (e *endpoint) apply(ev event) State {
	switch ev := ev.(type) {
	case readyEvent:
		e.mu.Lock()
		ok := ev.conn != nil && e.state == StateConnecting
		if ok {
			e.conn = ev.conn
			e.transition(StateReady)
		}
		state := e.state
		e.mu.Unlock()
		if ok {
			e.logger.ComponentInfo(logging.ComponentChannel, "Endpoint ready",
				zap.String("node", e.desc.NodeName(e.reg.cfg.Namespace)))
		} else {
			e.logger.ComponentDebug(logging.ComponentChannel, "Ignoring ready notification",
				zap.Stringer("state", state))
		}
		return state

	case shutdownRequestedEvent:
		e.mu.Lock()
		initiated := e.state < StateShuttingDown
		if initiated {
			e.transition(StateShuttingDown)
			e.teardown = true
		}
		state := e.state
		e.mu.Unlock()
		if initiated {
			e.logger.ComponentWarn(logging.ComponentChannel, "Runtime shut down endpoint with live handles")
			e.reg.detach(e)
		}
		return state

	case shutdownCompleteEvent:
		e.mu.Lock()
		if e.state < StateShuttingDown {
			e.transition(StateShuttingDown)
			e.teardown = true
		}
		e.transition(StateTerminated)
		e.mu.Unlock()
		e.reg.terminated(e)
		e.logger.ComponentDebug(logging.ComponentChannel, "Endpoint terminated")
		return StateTerminated

	case fatalErrorEvent:
		e.mu.Lock()
		if e.state >= StateShuttingDown {
			state := e.state
			e.mu.Unlock()
			return state
		}
		e.cause = ev.err
		needTeardown := e.shutDown()
		state := e.state
		e.mu.Unlock()

		err := errors.NewFatalTransportError(e.name, ev.err)
		e.logger.ComponentError(logging.ComponentChannel, "Fatal transport error, endpoint shutting down",
			zap.Error(ev.err))
		e.reg.metrics.FatalError(e.role, e.name)
		e.reg.detach(e)
		if needTeardown {
			e.reg.rt.Shutdown(e.desc.ID)
		}
		if e.reg.onFatal != nil {
			e.reg.onFatal(e.name, e.role, err)
		}
		return state

	case messageEvent:
		e.deliver(ev.data)
		return e.currentState()

	case refusedEvent:
		e.mu.Lock()
		e.cause = ev.err
		e.teardown = true
		e.transition(StateShuttingDown)
		e.transition(StateTerminated)
		e.mu.Unlock()
		e.reg.terminated(e)
		return StateTerminated
	}
	return e.currentState()
}

// blockUntilReady waits for Ready, for the endpoint to shut down, or for ctx.
// readyCh and doneCh are closed under e.mu, so a transition between the
// state check and the wait is never lost.
func (e *endpoint) blockUntilReady(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateReady:
		e.mu.Unlock()
		return nil
	case StateShuttingDown, StateTerminated:
		e.mu.Unlock()
		return e.notReady()
	}
	readyCh, doneCh := e.readyCh, e.doneCh
	e.mu.Unlock()

	select {
	case <-readyCh:
		if e.currentState() == StateReady {
			return nil
		}
		return e.notReady()
	case <-doneCh:
		return e.notReady()
	case <-ctx.Done():
		return errors.NewTimeoutError("wait for channel "+e.name, "").WithCause(ctx.Err())
	}
}

func (e *endpoint) isReady() bool {
	return e.currentState() == StateReady
}
