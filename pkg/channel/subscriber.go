package channel

import (
	"fmt"

	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"go.uber.org/zap"
)

// subscribe adds fn to the consumer set and returns its id. Consumers may be
// added before the endpoint is ready; they start receiving once it is.
func (e *endpoint) subscribe(fn func(any)) (uint64, error) {
	if st := e.currentState(); st >= StateShuttingDown {
		return 0, e.notReady()
	}

	c := &consumer{id: e.nextID.Add(1), fn: fn}

	e.consumersMu.Lock()
	old := *e.consumers.Load()
	next := make([]*consumer, len(old), len(old)+1)
	copy(next, old)
	next = append(next, c)
	e.consumers.Store(&next)
	e.consumersMu.Unlock()

	return c.id, nil
}

// unsubscribe removes the consumers with the given ids. Once it returns none
// of them is invoked again. An invocation already in progress is not
// awaited: unsubscribe may run on the event goroutine from inside that very
// consumer.
func (e *endpoint) unsubscribe(ids ...uint64) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	e.consumersMu.Lock()
	defer e.consumersMu.Unlock()

	old := *e.consumers.Load()
	next := make([]*consumer, 0, len(old))
	removed := 0
	for _, c := range old {
		if _, ok := drop[c.id]; ok {
			c.removed.Store(true)
			removed++
			continue
		}
		next = append(next, c)
	}
	e.consumers.Store(&next)
	return removed
}

func (e *endpoint) consumerCount() int {
	return len(*e.consumers.Load())
}

// deliver decodes data once and invokes every consumer registered at the
// start of the call, in registration order, on the event goroutine.
func (e *endpoint) deliver(data []byte) {
	if e.currentState() != StateReady {
		e.reg.metrics.Dropped(e.name, "not_ready")
		return
	}

	consumers := *e.consumers.Load()
	if len(consumers) == 0 {
		return
	}

	msg, err := e.decode(data)
	if err != nil {
		e.reg.metrics.Dropped(e.name, "decode")
		e.logger.ComponentWarn(logging.ComponentChannel, "Dropping undecodable message",
			zap.String("codec", e.reg.codec.Name()), zap.Int("bytes", len(data)), zap.Error(err))
		return
	}

	delivered := 0
	for _, c := range consumers {
		if c.removed.Load() {
			continue
		}
		e.invoke(c, msg)
		delivered++
	}
	e.reg.metrics.Delivered(e.name, delivered)
}

func (e *endpoint) invoke(c *consumer, msg any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ComponentError(logging.ComponentChannel, "Consumer panicked",
				zap.Uint64("consumer", c.id),
				zap.String("panic", fmt.Sprint(r)),
				zap.StackSkip("stack", 2))
		}
	}()
	c.fn(msg)
}
