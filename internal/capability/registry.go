// Package capability advertises this node's recognizer on the bus and keeps
// a view of every listener node heard from, so a caller can pick one that
// serves a locale.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Recognizer describes what the local node can transcribe. Empty Locales
// means the backend accepts any locale.
type Recognizer struct {
	Backend string
	Locales []string
}

type Node struct {
	ID       string
	Backend  string
	Locales  []string
	Ready    bool
	LastSeen time.Time
	Healthy  bool
}

// Serves reports whether the node accepts locale.
func (n Node) Serves(locale string) bool {
	return len(n.Locales) == 0 || slices.Contains(n.Locales, locale)
}

type Registry struct {
	cfg  config.NodeConfig
	self Recognizer
	log  *slog.Logger
	bus  *bus.Client
	now  func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*Node
	ready  bool
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, self Recognizer, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		self:   self,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		now:    time.Now,
		nodes:  make(map[string]*Node),
		cancel: cancel,
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-listen/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectNodeStatusPrefix+".*", r.handleStatus)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe node status: %w", err)
	}
	r.sub = sub

	r.wg.Add(1)
	go r.run(ctx)

	if err := r.publish(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

// SetReady records whether this node can start a session and announces the
// change immediately.
func (r *Registry) SetReady(ready bool) {
	r.mu.Lock()
	changed := r.ready != ready
	r.ready = ready
	r.mu.Unlock()
	if !changed {
		return
	}
	if err := r.publish(); err != nil {
		r.log.Warn("failed to publish readiness", slogError(err))
	}
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publish() error {
	r.mu.RLock()
	status := protocol.NodeStatus{
		NodeID:    r.cfg.ID,
		Backend:   r.self.Backend,
		Locales:   r.self.Locales,
		Ready:     r.ready,
		Timestamp: r.now().UTC(),
	}
	r.mu.RUnlock()
	return r.bus.PublishJSON(protocol.NodeStatusSubject(r.cfg.ID), status)
}

func (r *Registry) handleStatus(msg *nats.Msg) {
	var status protocol.NodeStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		r.log.Warn("invalid node status", slogError(err))
		return
	}
	if status.NodeID == "" {
		return
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[status.NodeID]
	if !ok {
		node = &Node{ID: status.NodeID}
		r.nodes[status.NodeID] = node
	}
	node.Backend = status.Backend
	node.Locales = status.Locales
	node.Ready = status.Ready
	node.LastSeen = status.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has heard its own heartbeat recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns the known nodes accepted by filter, ordered by id.
func (r *Registry) Nodes(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Node
	for _, node := range r.nodes {
		n := *node
		n.Locales = slices.Clone(node.Locales)
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available selects healthy, ready nodes that serve locale.
func Available(locale string) func(Node) bool {
	return func(n Node) bool {
		return n.Healthy && n.Ready && n.Serves(locale)
	}
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	known, err := meter.Int64ObservableGauge("loqa.listen.nodes", metric.WithDescription("Listener nodes heard on the bus"))
	if err != nil {
		return err
	}
	ready, err := meter.Int64ObservableGauge("loqa.listen.nodes.ready", metric.WithDescription("Healthy listener nodes ready for a session"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, avail := r.counts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(ready, avail)
		return nil
	}, known, ready)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, ready int64
	for _, node := range r.nodes {
		total++
		if node.Healthy && node.Ready {
			ready++
		}
	}
	return total, ready
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
