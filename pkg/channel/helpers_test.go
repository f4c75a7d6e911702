package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/DeBrosOfficial/roverlink/pkg/transport/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type textMsg struct {
	Text string `json:"text"`
}

func (textMsg) ChannelType() string { return "test_msgs/Text" }

type numberMsg struct {
	N int `json:"n"`
}

func (numberMsg) ChannelType() string { return "test_msgs/Number" }

// aliasMsg declares the same wire type as textMsg with a different Go type.
type aliasMsg struct {
	Body string `json:"body"`
}

func (aliasMsg) ChannelType() string { return "test_msgs/Text" }

type pointerMsg struct {
	X int `json:"x"`
}

func (*pointerMsg) ChannelType() string { return "test_msgs/Pointer" }

type untypedMsg struct{}

type blankMsg struct{}

func (blankMsg) ChannelType() string { return "" }

type countingMetrics struct {
	opened, closed, acquired, released, leaked atomic.Int64
	published, delivered, fatal                atomic.Int64

	mu      sync.Mutex
	dropped map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dropped: make(map[string]int)}
}

func (m *countingMetrics) EndpointOpened(transport.Role, string) { m.opened.Add(1) }
func (m *countingMetrics) EndpointClosed(transport.Role, string) { m.closed.Add(1) }
func (m *countingMetrics) HandleAcquired(transport.Role)         { m.acquired.Add(1) }
func (m *countingMetrics) HandleReleased(transport.Role)         { m.released.Add(1) }
func (m *countingMetrics) HandleLeaked(transport.Role)           { m.leaked.Add(1) }
func (m *countingMetrics) Published(string, int)                 { m.published.Add(1) }
func (m *countingMetrics) Delivered(string, int)                 { m.delivered.Add(1) }
func (m *countingMetrics) FatalError(transport.Role, string)     { m.fatal.Add(1) }
func (m *countingMetrics) Dropped(_ string, reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

var testConfig = transport.Config{Host: "localhost", Namespace: "/test"}

// newTestRegistry builds a registry over an in-process runtime and closes
// both when the test ends.
func newTestRegistry(t *testing.T, rtOpts []memory.Option, opts ...Option) (*Registry, *memory.Runtime) {
	t.Helper()
	rt := memory.New(rtOpts...)
	reg, err := NewRegistry(rt, testConfig, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, reg.Close(ctx))
		require.NoError(t, rt.Close())
	})
	return reg, rt
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// recorder collects consumed messages.
type recorder[T any] struct {
	mu   sync.Mutex
	msgs []T
}

func (r *recorder[T]) consume(msg T) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder[T]) got() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.msgs...)
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}
