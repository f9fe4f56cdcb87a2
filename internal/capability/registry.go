// Package capability tracks the narrator replicas sharing a bus and the
// extraction and speech backends each one runs.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Node is a known replica. Healthy turns false once no heartbeat arrived
// within the configured timeout.
type Node struct {
	ID             string    `json:"node_id"`
	Version        string    `json:"version,omitempty"`
	OCRMode        string    `json:"ocr_mode"`
	TTSMode        string    `json:"tts_mode"`
	Voice          string    `json:"voice"`
	Language       string    `json:"language"`
	MaxConcurrency int       `json:"max_concurrency"`
	LastSeen       time.Time `json:"last_seen"`
	Healthy        bool      `json:"healthy"`
}

// Self builds the local node description from the runtime configuration.
func Self(cfg config.Config, version string) Node {
	return Node{
		ID:             cfg.Node.ID,
		Version:        version,
		OCRMode:        cfg.OCR.Mode,
		TTSMode:        cfg.TTS.Mode,
		Voice:          cfg.TTS.Voice,
		Language:       cfg.TTS.Language,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
	}
}

type Registry struct {
	cfg       config.NodeConfig
	self      Node
	log       *slog.Logger
	bus       *bus.Client
	clock     func() time.Time
	mu        sync.RWMutex
	nodes     map[string]*Node
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	subs      []*nats.Subscription
	metrics   metric.Registration
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, self Node, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if self.ID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		self:   self,
		log:    log.With(slog.String("component", "node-registry"), slog.String("node_id", self.ID)),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*Node),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	r.wg.Add(1)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
	if r.metrics != nil {
		if err := r.metrics.Unregister(); err != nil {
			r.log.Warn("failed to unregister metrics", slog.String("error", err.Error()))
		}
		r.metrics = nil
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnouncement{
		NodeID:         r.self.ID,
		Version:        r.self.Version,
		OCRMode:        r.self.OCRMode,
		TTSMode:        r.self.TTSMode,
		Voice:          r.self.Voice,
		Language:       r.self.Language,
		MaxConcurrency: r.self.MaxConcurrency,
		Timestamp:      r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.record(msg)
	return r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{NodeID: r.self.ID, Timestamp: r.clock().UTC()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectNodeHeartbeatPrefix+"."+r.self.ID, payload)
}

// handleAnnounce answers a replica it has not seen before with its own
// announcement so late joiners learn about existing nodes.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.Any("error", err))
		return
	}
	if a.NodeID == r.self.ID {
		return
	}
	if r.record(a) {
		r.log.Info("node joined",
			slog.String("peer", a.NodeID),
			slog.String("ocr_mode", a.OCRMode),
			slog.String("tts_mode", a.TTSMode))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.Any("error", err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[hb.NodeID]
	if !ok {
		// Heartbeat before announcement; details arrive with the next announce.
		node = &Node{ID: hb.NodeID}
		r.nodes[hb.NodeID] = node
	}
	node.LastSeen = r.clock()
	node.Healthy = true
}

// record stores an announcement and reports whether the node was new.
func (r *Registry) record(a protocol.NodeAnnouncement) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[a.NodeID]
	if !ok {
		node = &Node{ID: a.NodeID}
		r.nodes[a.NodeID] = node
	}
	node.Version = a.Version
	node.OCRMode = a.OCRMode
	node.TTSMode = a.TTSMode
	node.Voice = a.Voice
	node.Language = a.Language
	node.MaxConcurrency = a.MaxConcurrency
	node.LastSeen = r.clock()
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for id, node := range r.nodes {
		if id == r.self.ID {
			node.LastSeen = now
			continue
		}
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("peer", id), slog.Time("last_seen", node.LastSeen))
		}
	}
}

// Nodes returns a snapshot ordered by node ID.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.self.ID]
	return ok && node.Healthy
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/internal/capability")
	gauge, err := meter.Int64ObservableGauge("narrator.nodes",
		metric.WithDescription("Healthy narrator replicas visible on the bus"))
	if err != nil {
		return err
	}
	r.metrics, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, node := range r.Nodes() {
			if node.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
