package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitForNodes(t *testing.T, r *Registry, filter func(Node) bool, want int) []Node {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		nodes := r.Nodes(filter)
		if len(nodes) == want {
			return nodes
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d nodes, got %+v", want, nodes)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryTracksPeersAndReadiness(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{HeartbeatInterval: 50, HeartbeatTimeout: 500}

	cfg.ID = "listen-a"
	a, err := NewRegistry(context.Background(), cfg, Recognizer{Backend: "mock", Locales: []string{"en-US"}}, client, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)

	cfg.ID = "listen-b"
	b, err := NewRegistry(context.Background(), cfg, Recognizer{Backend: "vosk"}, client, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	nodes := waitForNodes(t, a, nil, 2)
	if nodes[0].ID != "listen-a" || nodes[1].ID != "listen-b" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if !a.Healthy() {
		t.Fatal("expected registry to hear its own heartbeat")
	}
	waitForNodes(t, a, Available("fr-FR"), 0)

	b.SetReady(true)
	ready := waitForNodes(t, a, Available("fr-FR"), 1)
	if ready[0].ID != "listen-b" || ready[0].Backend != "vosk" {
		t.Fatalf("expected listen-b to serve any locale, got %+v", ready[0])
	}

	a.SetReady(true)
	waitForNodes(t, a, Available("en-US"), 2)
	waitForNodes(t, a, Available("fr-FR"), 1)
}

func TestRegistryMarksSilentNodesUnhealthy(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{ID: "listen-a", HeartbeatInterval: 50, HeartbeatTimeout: 200}
	r, err := NewRegistry(context.Background(), cfg, Recognizer{Backend: "mock"}, client, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)

	stale := protocol.NodeStatus{NodeID: "gone", Backend: "exec", Ready: true, Timestamp: time.Now().Add(-time.Minute)}
	if err := client.PublishJSON(protocol.NodeStatusSubject("gone"), stale); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitForNodes(t, r, func(n Node) bool { return n.ID == "gone" }, 1)

	deadline := time.Now().Add(3 * time.Second)
	for {
		nodes := r.Nodes(func(n Node) bool { return n.ID == "gone" })
		if len(nodes) == 1 && !nodes[0].Healthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected stale node to turn unhealthy, got %+v", nodes)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(r.Nodes(Available("en-US"))) != 0 {
		t.Fatal("expected no available nodes")
	}
}
