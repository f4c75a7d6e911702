package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	rlerrors "github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/DeBrosOfficial/roverlink/pkg/transport/memory"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil, testConfig)
	require.True(t, rlerrors.IsConfiguration(err))

	_, err = NewRegistry(memory.New(), transport.Config{})
	require.True(t, rlerrors.IsConfiguration(err))

	rt := memory.New()
	defer rt.Close()
	reg, err := NewRegistry(rt, transport.Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, transport.DefaultNamespace, reg.Config().Namespace)
}

func TestAcquireRejectsBadInput(t *testing.T) {
	reg, rt := newTestRegistry(t, nil)

	_, err := AcquirePublisher[textMsg](reg, "")
	require.True(t, rlerrors.IsConfiguration(err))
	require.True(t, rlerrors.IsValidation(err))

	_, err = AcquireSubscriber[untypedMsg](reg, "/chatter")
	require.True(t, rlerrors.IsConfiguration(err))

	require.Empty(t, rt.Executed(), "no endpoint may be executed for a rejected acquire")
}

func TestSingletonEndpointUnderConcurrentAcquire(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})

	const n = 64
	handles := make([]*PublishHandle[textMsg], n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := AcquirePublisher[textMsg](reg, "/telemetry")
			if err != nil {
				errs <- err
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, rt.Executed(), 1)
	stats := reg.Stats()
	require.Equal(t, 1, stats.Publishers)
	require.Equal(t, n, stats.PublisherHandles)
	for _, h := range handles[1:] {
		require.Same(t, handles[0].ep, h.ep)
	}

	for _, h := range handles {
		wg.Add(1)
		go func(h *PublishHandle[textMsg]) {
			defer wg.Done()
			require.NoError(t, h.Close())
		}(h)
	}
	wg.Wait()

	require.Len(t, rt.Shutdowns(), 1, "endpoint must be torn down exactly once")
	require.Zero(t, reg.Stats().Publishers)
	require.Eventually(t, func() bool {
		return handles[0].State() == StateTerminated
	}, time.Second, time.Millisecond)
}

func TestRolesAreIndependent(t *testing.T) {
	reg, rt := newTestRegistry(t, nil)

	pub, err := AcquirePublisher[textMsg](reg, "/chatter")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := AcquireSubscriber[numberMsg](reg, "/chatter")
	require.NoError(t, err, "types are only compared within one role")
	defer sub.Close()

	require.Len(t, rt.Executed(), 2)
	stats := reg.Stats()
	require.Equal(t, 1, stats.Publishers)
	require.Equal(t, 1, stats.Subscribers)
}

func TestTypeConflict(t *testing.T) {
	reg, rt := newTestRegistry(t, nil)
	ctx := waitCtx(t)

	first, err := AcquirePublisher[textMsg](reg, "x")
	require.NoError(t, err)

	_, err = AcquirePublisher[numberMsg](reg, "x")
	require.True(t, rlerrors.IsTypeConflict(err))
	var conflict *rlerrors.TypeConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "test_msgs/Text", conflict.Existing)
	require.Equal(t, "test_msgs/Number", conflict.Requested)

	// same wire id, different Go type
	_, err = AcquirePublisher[aliasMsg](reg, "x")
	require.True(t, rlerrors.IsTypeConflict(err))

	require.Len(t, rt.Executed(), 1)
	require.Equal(t, 1, reg.Stats().PublisherHandles)

	require.NoError(t, first.BlockUntilReady(ctx))
	require.NoError(t, first.Publish(textMsg{Text: "still works"}))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return first.State() == StateTerminated }, time.Second, time.Millisecond)

	// the conflict ends with the endpoint
	second, err := AcquirePublisher[numberMsg](reg, "x")
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestTelemetryPublishBeforeAndAfterReady(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})
	ctx := waitCtx(t)

	h, err := AcquirePublisher[textMsg](reg, "telemetry")
	require.NoError(t, err)
	defer h.Close()

	ready, err := h.IsReady()
	require.NoError(t, err)
	require.False(t, ready)

	err = h.Publish(textMsg{Text: "early"})
	require.True(t, rlerrors.IsNotReady(err), "got %v", err)
	_, err = h.NewMessage()
	require.True(t, rlerrors.IsNotReady(err))
	require.Empty(t, rt.Sent("telemetry"))

	require.NoError(t, rt.Ready("telemetry", transport.RolePublisher))
	require.NoError(t, h.BlockUntilReady(ctx))

	msg, err := h.NewMessage()
	require.NoError(t, err)
	msg.Text = "hello"
	require.NoError(t, h.Publish(msg))

	sent := rt.Sent("telemetry")
	require.Len(t, sent, 1)
	require.JSONEq(t, `{"text":"hello"}`, string(sent[0]))
}

func TestReadinessRaceNeverDeadlocks(t *testing.T) {
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()})

	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("/race/%d", i)
		h, err := AcquirePublisher[textMsg](reg, name)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			done <- h.BlockUntilReady(ctx)
		}()
		require.NoError(t, rt.Ready(name, transport.RolePublisher))

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: BlockUntilReady did not return", i)
		}
		require.NoError(t, h.Close())
	}
}

func TestBlockUntilReadyTimeout(t *testing.T) {
	reg, _ := newTestRegistry(t, []memory.Option{memory.WithManualReady()})

	h, err := AcquirePublisher[textMsg](reg, "/slow")
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.BlockUntilReady(ctx)
	require.True(t, rlerrors.IsTimeout(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFatalErrorIsScopedToEndpoint(t *testing.T) {
	type fatal struct {
		channel string
		role    transport.Role
		err     error
	}
	reported := make(chan fatal, 1)
	metrics := newCountingMetrics()
	reg, rt := newTestRegistry(t, []memory.Option{memory.WithManualReady()},
		WithMetrics(metrics),
		WithFatalErrorHandler(func(channel string, role transport.Role, err error) {
			reported <- fatal{channel, role, err}
		}))
	ctx := waitCtx(t)

	h, err := AcquirePublisher[textMsg](reg, "/cmd_vel")
	require.NoError(t, err)
	other, err := AcquirePublisher[numberMsg](reg, "/other")
	require.NoError(t, err)
	defer other.Close()

	waiter := make(chan error, 1)
	go func() { waiter <- h.BlockUntilReady(ctx) }()

	cause := errors.New("master went away")
	require.NoError(t, rt.Fail("/cmd_vel", transport.RolePublisher, cause))

	select {
	case err := <-waiter:
		require.True(t, rlerrors.IsNotReady(err), "waiter must be released with NotReady, got %v", err)
	case <-ctx.Done():
		t.Fatal("waiter not released by fatal error")
	}

	got := <-reported
	require.Equal(t, "/cmd_vel", got.channel)
	require.Equal(t, transport.RolePublisher, got.role)
	require.True(t, rlerrors.IsTransport(got.err))
	require.ErrorIs(t, got.err, cause)

	err = h.Publish(textMsg{Text: "after failure"})
	require.True(t, rlerrors.IsNotReady(err))
	require.ErrorIs(t, err, cause)

	// the other endpoint is unaffected
	require.Equal(t, StateConnecting, other.State())

	// a new acquire gets a fresh endpoint while the failed handle is open
	fresh, err := AcquirePublisher[textMsg](reg, "/cmd_vel")
	require.NoError(t, err)
	require.NotSame(t, h.ep, fresh.ep)
	require.NoError(t, fresh.Close())

	require.NoError(t, h.Close())
	require.Eventually(t, func() bool { return h.State() == StateTerminated }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, metrics.fatal.Load())
}

func TestExecuteRefused(t *testing.T) {
	reg, rt := newTestRegistry(t, nil)

	rt.FailNextExecute(errors.New("no slots"))
	_, err := AcquireSubscriber[textMsg](reg, "/camera")
	require.True(t, rlerrors.IsTransport(err))
	require.Zero(t, reg.Stats().Subscribers)

	h, err := AcquireSubscriber[textMsg](reg, "/camera")
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestRegistryClose(t *testing.T) {
	rt := memory.New()
	defer rt.Close()
	reg, err := NewRegistry(rt, testConfig)
	require.NoError(t, err)
	ctx := waitCtx(t)

	pub, err := AcquirePublisher[textMsg](reg, "/a")
	require.NoError(t, err)
	sub, err := AcquireSubscriber[textMsg](reg, "/b")
	require.NoError(t, err)
	require.NoError(t, pub.BlockUntilReady(ctx))

	require.NoError(t, reg.Close(ctx))
	require.Equal(t, StateTerminated, pub.State())
	require.Equal(t, StateTerminated, sub.State())
	require.Zero(t, reg.Stats().Live)

	require.True(t, rlerrors.IsNotReady(pub.Publish(textMsg{})))
	_, err = AcquirePublisher[textMsg](reg, "/a")
	require.ErrorIs(t, err, rlerrors.ErrRegistryClosed)

	require.NoError(t, pub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, reg.Close(ctx), "second close is a no-op")
}

func TestRegistryCloseTimeout(t *testing.T) {
	rt := &stuckRuntime{Runtime: memory.New(memory.WithManualReady())}
	reg, err := NewRegistry(rt, testConfig)
	require.NoError(t, err)

	h, err := AcquirePublisher[textMsg](reg, "/stuck")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = reg.Close(ctx)
	require.True(t, rlerrors.IsTimeout(err))

	// let the endpoint finish so no goroutine outlives the test
	rt.Runtime.Shutdown(h.ep.desc.ID)
	require.Eventually(t, func() bool { return h.State() == StateTerminated }, time.Second, time.Millisecond)
	require.NoError(t, h.Close())
	require.NoError(t, rt.Runtime.Close())
}

// stuckRuntime never completes teardown.
type stuckRuntime struct {
	*memory.Runtime
}

func (s *stuckRuntime) Shutdown(string) {}

func TestNegativeHandleCountPanics(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	h, err := AcquirePublisher[textMsg](reg, "/x")
	require.NoError(t, err)
	e := h.ep
	require.NoError(t, h.Close())

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		reg.release(e)
	}()
	require.NotNil(t, recovered)
	var invariant *rlerrors.InvariantError
	require.True(t, errors.As(recovered.(error), &invariant))
}

func TestChannelsIntrospection(t *testing.T) {
	reg, _ := newTestRegistry(t, []memory.Option{memory.WithManualReady()})

	b, err := AcquirePublisher[textMsg](reg, "/b")
	require.NoError(t, err)
	defer b.Close()
	a, err := AcquirePublisher[numberMsg](reg, "/a")
	require.NoError(t, err)
	defer a.Close()
	a2, err := AcquirePublisher[numberMsg](reg, "/a")
	require.NoError(t, err)
	defer a2.Close()

	sub, err := AcquireSubscriber[textMsg](reg, "/b")
	require.NoError(t, err)
	defer sub.Close()
	_, err = sub.Subscribe(func(textMsg) {})
	require.NoError(t, err)

	pubs := reg.Channels(transport.RolePublisher)
	require.Len(t, pubs, 2)
	require.Equal(t, "/a", pubs[0].Name)
	require.Equal(t, 2, pubs[0].Handles)
	require.Equal(t, "test_msgs/Number", pubs[0].ChannelType)
	require.Equal(t, "/test/publish/a", pubs[0].Node)
	require.Equal(t, StateConnecting, pubs[0].State)

	subs := reg.Channels(transport.RoleSubscriber)
	require.Len(t, subs, 1)
	require.Equal(t, 1, subs[0].Consumers)
}

func TestMetricsCounters(t *testing.T) {
	metrics := newCountingMetrics()
	reg, _ := newTestRegistry(t, nil, WithMetrics(metrics))
	ctx := waitCtx(t)

	h, err := AcquirePublisher[textMsg](reg, "/m")
	require.NoError(t, err)
	require.NoError(t, h.BlockUntilReady(ctx))
	require.NoError(t, h.Publish(textMsg{Text: "a"}))
	require.NoError(t, h.Close())

	require.Eventually(t, func() bool { return metrics.closed.Load() == 1 }, time.Second, time.Millisecond)
	require.EqualValues(t, 1, metrics.opened.Load())
	require.EqualValues(t, 1, metrics.acquired.Load())
	require.EqualValues(t, 1, metrics.released.Load())
	require.EqualValues(t, 1, metrics.published.Load())
}
