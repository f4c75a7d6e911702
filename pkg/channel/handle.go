package channel

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"go.uber.org/zap"
)

// Consumer receives messages delivered on a subscribed channel. Consumers of
// one endpoint run sequentially on its event goroutine; a slow consumer
// delays the others.
type Consumer[T any] func(msg T)

// Subscription identifies one consumer registration of a SubscribeHandle.
type Subscription struct {
	id uint64
}

// ID returns the registration id, unique per endpoint.
func (s Subscription) ID() uint64 { return s.id }

// handle is the state shared by both handle kinds.
type handle struct {
	ep     *endpoint
	closed atomic.Bool
}

func (h *handle) checkOpen() error {
	if h.closed.Load() {
		return errors.NewHandleClosedError(h.ep.name, h.ep.role.String())
	}
	return nil
}

// release returns the endpoint reference exactly once.
func (h *handle) release() error {
	if !h.closed.CompareAndSwap(false, true) {
		return errors.NewHandleClosedError(h.ep.name, h.ep.role.String())
	}
	h.ep.reg.release(h.ep)
	return nil
}

// leaked runs from the finalizer of a handle that was never closed.
func (h *handle) leaked() {
	if h.closed.Load() {
		return
	}
	reg := h.ep.reg
	reg.metrics.HandleLeaked(h.ep.role)
	h.ep.logger.ComponentWarn(logging.ComponentChannel, "Handle collected without Close",
		zap.Bool("released", reg.leakRelease))
	if reg.leakRelease && h.closed.CompareAndSwap(false, true) {
		reg.release(h.ep)
	}
}

// Name returns the channel name.
func (h *handle) Name() string { return h.ep.name }

// ChannelType returns the wire type identifier of the channel.
func (h *handle) ChannelType() string { return h.ep.info.id }

// State returns the current state of the underlying endpoint.
func (h *handle) State() State { return h.ep.currentState() }

// IsReady reports whether the endpoint is registered and usable.
func (h *handle) IsReady() (bool, error) {
	if err := h.checkOpen(); err != nil {
		return false, err
	}
	return h.ep.isReady(), nil
}

// BlockUntilReady waits until the endpoint is ready. It returns a
// NotReadyError if the endpoint shuts down first and a TimeoutError when
// ctx ends first.
func (h *handle) BlockUntilReady(ctx context.Context) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	return h.ep.blockUntilReady(ctx)
}

// PublishHandle is a caller's reference to a shared publisher endpoint.
// Close it exactly once.
type PublishHandle[T any] struct {
	handle
}

func newPublishHandle[T any](e *endpoint) *PublishHandle[T] {
	h := &PublishHandle[T]{handle: handle{ep: e}}
	runtime.SetFinalizer(h, func(h *PublishHandle[T]) { h.leaked() })
	return h
}

// NewMessage returns an empty message to fill and publish.
func (h *PublishHandle[T]) NewMessage() (T, error) {
	var zero T
	if err := h.checkOpen(); err != nil {
		return zero, err
	}
	if !h.ep.isReady() {
		return zero, h.ep.notReady()
	}
	return newValue[T](), nil
}

// Publish sends msg on the channel. It fails with NotReadyError unless the
// endpoint is ready.
func (h *PublishHandle[T]) Publish(msg T) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	return h.ep.publish(msg)
}

// Close releases the handle. A second Close returns HandleClosedError.
func (h *PublishHandle[T]) Close() error {
	if err := h.release(); err != nil {
		return err
	}
	runtime.SetFinalizer(h, nil)
	return nil
}

// SubscribeHandle is a caller's reference to a shared subscriber endpoint.
// Consumers registered through a handle belong to it and are removed when
// it is closed.
type SubscribeHandle[T any] struct {
	handle

	mu   sync.Mutex
	subs map[uint64]struct{}
}

func newSubscribeHandle[T any](e *endpoint) *SubscribeHandle[T] {
	h := &SubscribeHandle[T]{handle: handle{ep: e}, subs: make(map[uint64]struct{})}
	runtime.SetFinalizer(h, func(h *SubscribeHandle[T]) { h.leakedSubscriber() })
	return h
}

// Subscribe registers fn for every message delivered after it returns.
func (h *SubscribeHandle[T]) Subscribe(fn Consumer[T]) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return Subscription{}, err
	}
	if fn == nil {
		return Subscription{}, errors.NewValidationError("consumer", "consumer must not be nil", nil)
	}

	id, err := h.ep.subscribe(func(v any) { fn(v.(T)) })
	if err != nil {
		return Subscription{}, err
	}
	h.subs[id] = struct{}{}
	return Subscription{id: id}, nil
}

// Unsubscribe removes a registration made through this handle. Once it
// returns the consumer is not invoked for any later message; an invocation
// already running when it is called is not interrupted or awaited, so a
// consumer may unsubscribe itself.
func (h *SubscribeHandle[T]) Unsubscribe(sub Subscription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}
	if _, ok := h.subs[sub.id]; !ok {
		return errors.NewValidationError("subscription", "not registered through this handle", sub.id)
	}
	delete(h.subs, sub.id)
	h.ep.unsubscribe(sub.id)
	return nil
}

// Close removes this handle's consumers and releases the handle. A second
// Close returns HandleClosedError.
func (h *SubscribeHandle[T]) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return errors.NewHandleClosedError(h.ep.name, h.ep.role.String())
	}
	runtime.SetFinalizer(h, nil)

	h.mu.Lock()
	ids := h.ownedIDs()
	h.subs = nil
	h.mu.Unlock()

	h.ep.unsubscribe(ids...)
	h.ep.reg.release(h.ep)
	return nil
}

func (h *SubscribeHandle[T]) ownedIDs() []uint64 {
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

func (h *SubscribeHandle[T]) leakedSubscriber() {
	if h.closed.Load() {
		return
	}
	if h.ep.reg.leakRelease {
		h.ep.unsubscribe(h.ownedIDs()...)
	}
	h.leaked()
}
