package channel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	rlerrors "github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/DeBrosOfficial/roverlink/pkg/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoubleClose(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})

	h1, err := AcquirePublisher[textMsg](reg, "/chatter")
	require.NoError(t, err)
	h2, err := AcquirePublisher[textMsg](reg, "/chatter")
	require.NoError(t, err)
	defer h2.Close()

	require.NoError(t, h1.Close())
	err = h1.Close()
	require.True(t, rlerrors.IsHandleClosed(err))

	require.Equal(t, 1, reg.Stats().PublisherHandles, "second close must not decrement")
	require.Empty(t, rt.Shutdowns())
	require.Equal(t, StateConnecting, h2.State())
}

func TestClosedHandleRejectsEverything(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := waitCtx(t)

	pub, err := AcquirePublisher[textMsg](reg, "/closed")
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	_, err = pub.IsReady()
	require.True(t, rlerrors.IsHandleClosed(err))
	require.True(t, rlerrors.IsHandleClosed(pub.BlockUntilReady(ctx)))
	_, err = pub.NewMessage()
	require.True(t, rlerrors.IsHandleClosed(err))
	require.True(t, rlerrors.IsHandleClosed(pub.Publish(textMsg{})))

	sub, err := AcquireSubscriber[textMsg](reg, "/closed")
	require.NoError(t, err)
	token, err := sub.Subscribe(func(textMsg) {})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, err = sub.Subscribe(func(textMsg) {})
	require.True(t, rlerrors.IsHandleClosed(err))
	_, err = sub.Subscribe(nil)
	require.True(t, rlerrors.IsHandleClosed(err), "closed check comes before argument validation: %v", err)
	require.True(t, rlerrors.IsHandleClosed(sub.Unsubscribe(token)))
	require.True(t, rlerrors.IsHandleClosed(sub.Close()))
}

func TestFanOutOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := waitCtx(t)

	sub, err := AcquireSubscriber[textMsg](reg, "/telemetry")
	require.NoError(t, err)
	defer sub.Close()

	var c1, c2 recorder[textMsg]
	_, err = sub.Subscribe(c1.consume)
	require.NoError(t, err)
	_, err = sub.Subscribe(c2.consume)
	require.NoError(t, err)

	pub, err := AcquirePublisher[textMsg](reg, "/telemetry")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, sub.BlockUntilReady(ctx))
	require.NoError(t, pub.BlockUntilReady(ctx))

	var want []textMsg
	for i := 0; i < 20; i++ {
		m := textMsg{Text: fmt.Sprintf("m%d", i)}
		want = append(want, m)
		require.NoError(t, pub.Publish(m))
	}

	require.Eventually(t, func() bool { return c1.count() == 20 && c2.count() == 20 }, time.Second, time.Millisecond)
	require.Equal(t, want, c1.got())
	require.Equal(t, want, c2.got())
}

func TestTwoSubscribeHandlesOwnTheirConsumers(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})
	ctx := waitCtx(t)

	h1, err := AcquireSubscriber[textMsg](reg, "telemetry")
	require.NoError(t, err)
	h2, err := AcquireSubscriber[textMsg](reg, "telemetry")
	require.NoError(t, err)
	require.Same(t, h1.ep, h2.ep)
	require.Len(t, rt.Executed(), 1)

	var c1, c2 recorder[textMsg]
	s1, err := h1.Subscribe(c1.consume)
	require.NoError(t, err)
	s2, err := h2.Subscribe(c2.consume)
	require.NoError(t, err)

	require.NoError(t, rt.Ready("telemetry", transport.RoleSubscriber))
	require.NoError(t, h1.BlockUntilReady(ctx))

	require.NoError(t, h1.Unsubscribe(s1))
	err = h1.Unsubscribe(s2)
	require.True(t, rlerrors.IsValidation(err), "a handle cannot remove another handle's consumer")

	rt.Inject("telemetry", encode(t, textMsg{Text: "one"}))
	require.Eventually(t, func() bool { return c2.count() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, c1.count())

	require.NoError(t, h1.Close())
	require.Empty(t, rt.Shutdowns(), "endpoint stays up while h2 is open")

	rt.Inject("telemetry", encode(t, textMsg{Text: "two"}))
	require.Eventually(t, func() bool { return c2.count() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, h2.Close())
	require.Len(t, rt.Shutdowns(), 1)
	require.Eventually(t, func() bool { return h2.State() == StateTerminated }, time.Second, time.Millisecond)
}

func TestClosingHandleRemovesItsConsumers(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})
	ctx := waitCtx(t)

	h1, err := AcquireSubscriber[textMsg](reg, "/pose")
	require.NoError(t, err)
	h2, err := AcquireSubscriber[textMsg](reg, "/pose")
	require.NoError(t, err)
	defer h2.Close()

	var c1, c2 recorder[textMsg]
	_, err = h1.Subscribe(c1.consume)
	require.NoError(t, err)
	_, err = h2.Subscribe(c2.consume)
	require.NoError(t, err)
	require.Equal(t, 2, h1.ep.consumerCount())

	require.NoError(t, h1.Close())
	require.Equal(t, 1, h2.ep.consumerCount())

	require.NoError(t, rt.Ready("/pose", transport.RoleSubscriber))
	require.NoError(t, h2.BlockUntilReady(ctx))
	rt.Inject("/pose", encode(t, textMsg{Text: "p"}))

	require.Eventually(t, func() bool { return c2.count() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, c1.count())
}

func TestConsumerRegisteredDuringDelivery(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})
	ctx := waitCtx(t)

	h, err := AcquireSubscriber[textMsg](reg, "/late")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, rt.Ready("/late", transport.RoleSubscriber))
	require.NoError(t, h.BlockUntilReady(ctx))

	started := make(chan struct{})
	proceed := make(chan struct{})
	var first, late recorder[textMsg]
	_, err = h.Subscribe(func(m textMsg) {
		if m.Text == "m1" {
			close(started)
			<-proceed
		}
		first.consume(m)
	})
	require.NoError(t, err)

	rt.Inject("/late", encode(t, textMsg{Text: "m1"}))
	<-started
	_, err = h.Subscribe(late.consume)
	require.NoError(t, err)
	close(proceed)

	rt.Inject("/late", encode(t, textMsg{Text: "m2"}))
	require.Eventually(t, func() bool { return first.count() == 2 && late.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []textMsg{{Text: "m2"}}, late.got())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})
	ctx := waitCtx(t)

	h, err := AcquireSubscriber[textMsg](reg, "/u")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, rt.Ready("/u", transport.RoleSubscriber))
	require.NoError(t, h.BlockUntilReady(ctx))

	var rec, marker recorder[textMsg]
	sub, err := h.Subscribe(rec.consume)
	require.NoError(t, err)
	_, err = h.Subscribe(marker.consume)
	require.NoError(t, err)

	rt.Inject("/u", encode(t, textMsg{Text: "before"}))
	require.Eventually(t, func() bool { return marker.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Unsubscribe(sub))
	rt.Inject("/u", encode(t, textMsg{Text: "after"}))
	require.Eventually(t, func() bool { return marker.count() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []textMsg{{Text: "before"}}, rec.got())

	require.True(t, rlerrors.IsValidation(h.Unsubscribe(sub)), "token is single use")
}

func TestUnsubscribeFromInsideDelivery(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})
	ctx := waitCtx(t)

	h, err := AcquireSubscriber[textMsg](reg, "/self")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, rt.Ready("/self", transport.RoleSubscriber))
	require.NoError(t, h.BlockUntilReady(ctx))

	var (
		self, later, marker recorder[textMsg]
		selfSub, laterSub   Subscription
	)
	selfSub, err = h.Subscribe(func(m textMsg) {
		self.consume(m)
		assert.NoError(t, h.Unsubscribe(selfSub))
		assert.NoError(t, h.Unsubscribe(laterSub))
	})
	require.NoError(t, err)
	laterSub, err = h.Subscribe(later.consume)
	require.NoError(t, err)
	_, err = h.Subscribe(marker.consume)
	require.NoError(t, err)

	rt.Inject("/self", encode(t, textMsg{Text: "one"}))
	rt.Inject("/self", encode(t, textMsg{Text: "two"}))
	require.Eventually(t, func() bool { return marker.count() == 2 }, time.Second, time.Millisecond)

	require.Equal(t, []textMsg{{Text: "one"}}, self.got())
	require.Empty(t, later.got(), "removed before its turn in the same delivery")
}

func TestConsumerPanicDoesNotStopFanOut(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})
	ctx := waitCtx(t)

	h, err := AcquireSubscriber[textMsg](reg, "/p")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, rt.Ready("/p", transport.RoleSubscriber))
	require.NoError(t, h.BlockUntilReady(ctx))

	var rec recorder[textMsg]
	_, err = h.Subscribe(func(textMsg) { panic("consumer bug") })
	require.NoError(t, err)
	_, err = h.Subscribe(rec.consume)
	require.NoError(t, err)

	rt.Inject("/p", encode(t, textMsg{Text: "a"}))
	rt.Inject("/p", encode(t, textMsg{Text: "b"}))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
}

func TestSubscribeRejectsNilConsumer(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	h, err := AcquireSubscriber[textMsg](reg, "/nil")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Subscribe(nil)
	require.True(t, rlerrors.IsValidation(err))
}

func TestFullQueueDropsMessages(t *testing.T) {
	metrics := newCountingMetrics()
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()},
		WithQueueSize(1), WithMetrics(metrics))
	ctx := waitCtx(t)

	h, err := AcquireSubscriber[textMsg](reg, "/q")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, rt.Ready("/q", transport.RoleSubscriber))
	require.NoError(t, h.BlockUntilReady(ctx))

	busy := make(chan struct{})
	unblock := make(chan struct{})
	var rec recorder[textMsg]
	_, err = h.Subscribe(func(m textMsg) {
		if m.Text == "0" {
			close(busy)
			<-unblock
		}
		rec.consume(m)
	})
	require.NoError(t, err)

	rt.Inject("/q", encode(t, textMsg{Text: "0"}))
	<-busy
	for i := 1; i <= 5; i++ {
		rt.Inject("/q", encode(t, textMsg{Text: fmt.Sprint(i)}))
	}
	close(unblock)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 4, metrics.droppedFor("queue_full"))
	require.Equal(t, []textMsg{{Text: "0"}, {Text: "1"}}, rec.got())
}

func leakPublisher(t *testing.T, reg *Registry, name string) {
	t.Helper()
	_, err := AcquirePublisher[textMsg](reg, name)
	require.NoError(t, err)
}

func TestLeakedHandleIsReleasedByFinalizer(t *testing.T) {
	metrics := newCountingMetrics()
	reg, rt := newTestRegistry(t, nil, WithMetrics(metrics))

	leakPublisher(t, reg, "/leak")
	require.Equal(t, 1, reg.Stats().PublisherHandles)

	require.Eventually(t, func() bool {
		runtime.GC()
		return reg.Stats().PublisherHandles == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, metrics.leaked.Load())
	require.Len(t, rt.Shutdowns(), 1)
}

func TestLeakReleaseDisabled(t *testing.T) {
	metrics := newCountingMetrics()
	reg, rt := newTestRegistry(t, nil, WithMetrics(metrics), WithLeakRelease(false))

	leakPublisher(t, reg, "/kept")

	require.Eventually(t, func() bool {
		runtime.GC()
		return metrics.leaked.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, reg.Stats().PublisherHandles, "leak is only reported")
	require.Empty(t, rt.Shutdowns())
}

func TestWithPublisherReleasesOnAllPaths(t *testing.T) {
	reg, rt := newTestRegistry(t, nil)

	boom := errors.New("boom")
	err := WithPublisher(reg, "/scoped", func(h *PublishHandle[textMsg]) error {
		require.NoError(t, h.BlockUntilReady(context.Background()))
		require.NoError(t, h.Publish(textMsg{Text: "scoped"}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, reg.Stats().PublisherHandles)
	require.Len(t, rt.Sent("/scoped"), 1)

	require.Panics(t, func() {
		_ = WithSubscriber(reg, "/scoped", func(h *SubscribeHandle[textMsg]) error {
			panic("caller bug")
		})
	})
	require.Zero(t, reg.Stats().SubscriberHandles)

	err = WithSubscriber(reg, "/scoped", func(h *SubscribeHandle[textMsg]) error {
		_, err := h.Subscribe(func(textMsg) {})
		return err
	})
	require.NoError(t, err)

	err = WithPublisher(reg, "/scoped", func(h *PublishHandle[numberMsg]) error { return nil })
	require.NoError(t, err, "scoped endpoint was torn down, so the type may change")
}
