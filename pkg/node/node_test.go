package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DeBrosOfficial/roverlink/pkg/bridge"
	"github.com/DeBrosOfficial/roverlink/pkg/channel"
	"github.com/DeBrosOfficial/roverlink/pkg/config"
	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/DeBrosOfficial/roverlink/pkg/transport/memory"
	"github.com/DeBrosOfficial/roverlink/pkg/logging"
	"github.com/mackerelio/go-osstat/cpu"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadOrCreateIdentity(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, identityFileName))
	if err != nil {
		t.Fatalf("identity file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	second, err := loadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if !first.Equals(second) {
		t.Error("reloaded identity differs from the stored one")
	}

	ephemeral, err := loadOrCreateIdentity("")
	if err != nil {
		t.Fatalf("ephemeral identity: %v", err)
	}
	if ephemeral.Equals(first) {
		t.Error("ephemeral identity reused the stored key")
	}
}

func TestLoadOrCreateIdentity_Corrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, identityFileName), []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadOrCreateIdentity(dir); err == nil {
		t.Fatal("expected error for corrupt identity file")
	}
}

func TestIsLocalOnly(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		want  bool
	}{
		{"none", nil, false},
		{"loopback tcp", []string{"/ip4/127.0.0.1/tcp/4001"}, true},
		{"loopback mixed", []string{"/ip4/127.0.0.1/tcp/4001", "/ip6/::1/udp/4001/quic-v1"}, true},
		{"wildcard", []string{"/ip4/0.0.0.0/tcp/4001"}, false},
		{"one public", []string{"/ip4/127.0.0.1/tcp/4001", "/ip4/10.0.0.5/tcp/4001"}, false},
		{"invalid", []string{"not-a-multiaddr"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLocalOnly(tt.addrs); got != tt.want {
				t.Errorf("isLocalOnly(%v) = %v, want %v", tt.addrs, got, tt.want)
			}
		})
	}
}

func TestCPUUsagePercent(t *testing.T) {
	tests := []struct {
		name          string
		before, after cpu.Stats
		want          float64
		ok            bool
	}{
		{"half busy", cpu.Stats{Idle: 100, Total: 200}, cpu.Stats{Idle: 150, Total: 300}, 50, true},
		{"idle", cpu.Stats{Idle: 0, Total: 0}, cpu.Stats{Idle: 100, Total: 100}, 0, true},
		{"no progress", cpu.Stats{Idle: 10, Total: 20}, cpu.Stats{Idle: 10, Total: 20}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cpuUsagePercent(&tt.before, &tt.after)
			if ok != tt.ok || got != tt.want {
				t.Errorf("got (%v, %v), want (%v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func newMemoryRegistry(t *testing.T) *channel.Registry {
	t.Helper()
	rt := memory.New()
	reg, err := channel.NewRegistry(rt, transport.Config{Host: "localhost", Namespace: "/test"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Close(ctx); err != nil {
			t.Errorf("close registry: %v", err)
		}
		rt.Close()
	})
	return reg
}

func TestMonitor_PublishesStatus(t *testing.T) {
	reg := newMemoryRegistry(t)

	sub, err := channel.AcquireSubscriber[message.NodeStatus](reg, DefaultStatusChannel)
	if err != nil {
		t.Fatalf("acquire subscriber: %v", err)
	}
	defer sub.Close()
	statuses := make(chan message.NodeStatus, 16)
	if _, err := sub.Subscribe(func(s message.NodeStatus) {
		select {
		case statuses <- s:
		default:
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := NewMonitor(reg, "node-1",
		WithInterval(20*time.Millisecond),
		WithPeerCounter(func() int { return 3 }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case s := <-statuses:
		if s.NodeID != "node-1" || s.Peers != 3 {
			t.Errorf("unexpected status %+v", s)
		}
		if s.Publishers != 1 || s.Subscribers != 1 {
			t.Errorf("expected one publisher and one subscriber, got %+v", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no status published")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("monitor returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestHost_PersistentIdentity(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = config.TransportLibP2P
	cfg.Node.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Node.DataDir = t.TempDir()

	h1, err := NewHost(cfg, nil)
	if err != nil {
		t.Fatalf("first host: %v", err)
	}
	id := h1.ID()
	if h1.hasBootstrapConnections() {
		t.Error("no bootstrap peers configured, expected no bootstrap connections")
	}
	if err := h1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h2, err := NewHost(cfg, nil)
	if err != nil {
		t.Fatalf("second host: %v", err)
	}
	defer h2.Close()
	if h2.ID() != id {
		t.Errorf("peer id changed across restarts: %s != %s", h2.ID(), id)
	}
}

func TestNewNode_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := NewNode(cfg, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestNode_MemoryLifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.DataDir = t.TempDir()
	cfg.Bridge.ListenAddr = "127.0.0.1:0"
	cfg.Monitor.Interval = 20 * time.Millisecond

	n, err := NewNode(cfg, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n.server.ErrorLog == nil {
		t.Error("bridge server errors are not routed to the node logger")
	}

	resp, err := http.Get("http://" + n.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status %d", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get("http://" + n.Addr() + "/v1/channels")
		if err != nil {
			t.Fatalf("channels: %v", err)
		}
		var body bridge.ChannelsResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if hasChannel(body.Publishers, cfg.Bridge.CommandChannel) && hasChannel(body.Publishers, cfg.Monitor.Channel) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("publishers never appeared: %+v", body.Publishers)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := n.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if s := n.Registry().Stats(); s.Live != 0 {
		t.Errorf("expected no live endpoints after stop, got %+v", s)
	}
}

func hasChannel(infos []channel.ChannelInfo, name string) bool {
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}

func TestNode_HandleFatalErrorLogsOrigin(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n, err := NewNode(config.DefaultConfig(), &logging.ColoredLogger{Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	n.handleFatalError("/scan", transport.RoleSubscriber, errors.NewFatalTransportError("/scan", os.ErrClosed))

	failures := logs.FilterMessage("[NODE] Channel endpoint failed").All()
	if len(failures) != 1 || failures[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error entry, got %+v", logs.All())
	}
	origins := logs.FilterMessage("[NODE] Channel endpoint failure origin").All()
	if len(origins) != 1 {
		t.Fatalf("expected the failure origin to be logged, got %+v", logs.All())
	}
	if stack, _ := origins[0].ContextMap()["stack"].(string); stack == "" {
		t.Error("failure origin carries no stack")
	}
}
