// Package presence announces a voice server on the bus, tracks the other
// servers sharing it, and answers info requests from clients.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/jobs"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatsFunc reports the local registry state.
type StatsFunc func() jobs.Stats

// Peer is a server seen on the bus, including this one.
type Peer struct {
	Info     protocol.ServerInfo
	LastSeen time.Time
	Healthy  bool
}

type Presence struct {
	cfg   config.PresenceConfig
	self  protocol.ServerInfo
	conn  *nats.Conn
	stats StatsFunc
	log   *slog.Logger
	now   func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer
	subs  []*nats.Subscription
	reg   metric.Registration
}

// New subscribes to the presence subjects. Call Run to start heartbeats.
func New(cfg config.PresenceConfig, self protocol.ServerInfo, conn *nats.Conn, stats StatsFunc, log *slog.Logger) (*Presence, error) {
	p := &Presence{
		cfg:   cfg,
		self:  self,
		conn:  conn,
		stats: stats,
		log:   log.With(slog.String("component", "presence")),
		now:   time.Now,
		peers: make(map[string]*Peer),
	}
	if err := p.subscribe(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.initMetrics(otel.Meter("github.com/loqalabs/loqa-voice/internal/presence")); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

func (p *Presence) subscribe() error {
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectServerAnnounce:              p.handleAnnounce,
		protocol.SubjectServerHeartbeatPrefix + "*": p.handleHeartbeat,
		protocol.SubjectServerInfo:                  p.handleInfo,
	} {
		sub, err := p.conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		p.mu.Lock()
		p.subs = append(p.subs, sub)
		p.mu.Unlock()
	}
	return nil
}

// Run announces the server, then heartbeats and expires silent peers until
// ctx is done.
func (p *Presence) Run(ctx context.Context) error {
	if err := p.announce(); err != nil {
		p.log.Warn("failed to announce server", slog.String("error", err.Error()))
	}
	heartbeat := time.NewTicker(time.Duration(p.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := p.publishHeartbeat(); err != nil {
				p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			p.evaluateHealth()
		}
	}
}

func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		_ = sub.Drain()
	}
	p.subs = nil
	if p.reg != nil {
		_ = p.reg.Unregister()
		p.reg = nil
	}
}

// Info returns this server's description with current queue figures.
func (p *Presence) Info() protocol.ServerInfo {
	info := p.self
	info.Queue = p.queue()
	info.Timestamp = p.now().UTC()
	return info
}

func (p *Presence) queue() protocol.QueueStats {
	if p.stats == nil {
		return protocol.QueueStats{}
	}
	s := p.stats()
	return protocol.QueueStats{
		QueuedOnDemand: s.QueuedOnDemand,
		QueuedPrefetch: s.QueuedPrefetch,
		Delayed:        s.Delayed,
		InFlight:       s.InFlight,
		Completed:      s.Completed,
		Failed:         s.Failed,
	}
}

func (p *Presence) announce() error {
	info := p.Info()
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(protocol.SubjectServerAnnounce, payload); err != nil {
		return err
	}
	p.update(info, info.Timestamp)
	return nil
}

func (p *Presence) publishHeartbeat() error {
	hb := protocol.Heartbeat{ServerID: p.self.ServerID, Queue: p.queue(), Timestamp: p.now().UTC()}
	payload, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return p.conn.Publish(protocol.SubjectServerHeartbeatPrefix+p.self.ServerID, payload)
}

func (p *Presence) handleAnnounce(msg *nats.Msg) {
	var info protocol.ServerInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		p.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if info.ServerID == "" {
		return
	}
	if info.Timestamp.IsZero() {
		info.Timestamp = p.now().UTC()
	}
	if info.ServerID != p.self.ServerID && info.ParamsDigest != p.self.ParamsDigest {
		p.log.Warn("peer server uses different synthesis parameters",
			slog.String("peer", info.ServerID),
			slog.String("peer_digest", info.ParamsDigest),
			slog.String("digest", p.self.ParamsDigest))
	}
	p.update(info, info.Timestamp)
}

func (p *Presence) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		p.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.ServerID == "" {
		hb.ServerID = strings.TrimPrefix(msg.Subject, protocol.SubjectServerHeartbeatPrefix)
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = p.now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[hb.ServerID]
	if !ok {
		peer = &Peer{Info: protocol.ServerInfo{ServerID: hb.ServerID}}
		p.peers[hb.ServerID] = peer
	}
	peer.Info.Queue = hb.Queue
	peer.LastSeen = hb.Timestamp
	peer.Healthy = true
}

func (p *Presence) handleInfo(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(p.Info())
	if err != nil {
		p.log.Warn("failed to marshal server info", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		p.log.Warn("failed to answer info request", slog.String("error", err.Error()))
	}
}

func (p *Presence) update(info protocol.ServerInfo, seen time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[info.ServerID]
	if !ok {
		peer = &Peer{}
		p.peers[info.ServerID] = peer
	}
	peer.Info = info
	peer.LastSeen = seen
	peer.Healthy = true
}

func (p *Presence) evaluateHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	timeout := time.Duration(p.cfg.HeartbeatTimeout) * time.Millisecond
	now := p.now()
	for _, peer := range p.peers {
		if now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
		}
	}
}

// Healthy reports whether this server's own heartbeats are coming back
// through the bus.
func (p *Presence) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	peer, ok := p.peers[p.self.ServerID]
	return ok && peer.Healthy
}

// Peers returns a snapshot of every known server matching filter.
func (p *Presence) Peers(filter func(Peer) bool) []Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Peer
	for _, peer := range p.peers {
		cp := *peer
		if filter == nil || filter(cp) {
			out = append(out, cp)
		}
	}
	return out
}

// WithDigest matches servers fingerprinting with the given parameters.
func WithDigest(digest string) func(Peer) bool {
	return func(peer Peer) bool { return peer.Info.ParamsDigest == digest }
}

// HealthyOnly matches servers whose heartbeats are current.
func HealthyOnly(peer Peer) bool { return peer.Healthy }

func (p *Presence) initMetrics(meter metric.Meter) error {
	depth, err := meter.Int64ObservableGauge("loqa_voice.queue.depth",
		metric.WithDescription("Jobs waiting for a worker, by priority."))
	if err != nil {
		return err
	}
	peers, err := meter.Int64ObservableGauge("loqa_voice.servers",
		metric.WithDescription("Voice servers known on the bus."))
	if err != nil {
		return err
	}
	onDemand := metric.WithAttributes(attribute.String("priority", jobs.OnDemand.String()))
	prefetch := metric.WithAttributes(attribute.String("priority", jobs.Prefetch.String()))
	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		q := p.queue()
		obs.ObserveInt64(depth, int64(q.QueuedOnDemand), onDemand)
		obs.ObserveInt64(depth, int64(q.QueuedPrefetch), prefetch)
		obs.ObserveInt64(peers, int64(len(p.Peers(nil))))
		return nil
	}, depth, peers)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.reg = reg
	p.mu.Unlock()
	return nil
}
