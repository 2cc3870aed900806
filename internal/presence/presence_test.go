package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/jobs"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var fastBeats = config.PresenceConfig{HeartbeatInterval: 20, HeartbeatTimeout: 100}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
}

func connect(t *testing.T, cfg config.BusConfig, name string) *bus.Client {
	t.Helper()
	c, err := bus.Connect(context.Background(), cfg, name, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func start(t *testing.T, busCfg config.BusConfig, info protocol.ServerInfo, stats StatsFunc) *Presence {
	t.Helper()
	c := connect(t, busCfg, info.ServerID)
	p, err := New(fastBeats, info, c.Conn(), stats, newLogger())
	if err != nil {
		t.Fatalf("new presence: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		p.Close()
	})
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServersSeeEachOther(t *testing.T) {
	busCfg := startBus(t)
	a := start(t, busCfg, protocol.ServerInfo{ServerID: "a", ParamsDigest: "d1"}, nil)
	waitFor(t, "self heartbeat", a.Healthy)

	b := start(t, busCfg, protocol.ServerInfo{ServerID: "b", ParamsDigest: "d2"}, nil)
	waitFor(t, "peer on a", func() bool { return len(a.Peers(HealthyOnly)) == 2 })
	waitFor(t, "peer on b", func() bool { return len(b.Peers(nil)) == 2 })

	if got := a.Peers(WithDigest("d2")); len(got) != 1 || got[0].Info.ServerID != "b" {
		t.Fatalf("expected b by digest, got %+v", got)
	}
}

func TestInfoRequestIncludesQueue(t *testing.T) {
	busCfg := startBus(t)
	stats := func() jobs.Stats { return jobs.Stats{QueuedOnDemand: 2, InFlight: 1} }
	start(t, busCfg, protocol.ServerInfo{ServerID: "a", ParamsDigest: "d1", Concurrency: 3}, stats)

	client := connect(t, busCfg, "client")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var info protocol.ServerInfo
	if err := client.RequestJSON(ctx, protocol.SubjectServerInfo, struct{}{}, &info); err != nil {
		t.Fatalf("request info: %v", err)
	}
	if info.ServerID != "a" || info.Concurrency != 3 || info.Queue.QueuedOnDemand != 2 || info.Queue.InFlight != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestSilentPeerBecomesUnhealthy(t *testing.T) {
	busCfg := startBus(t)
	a := start(t, busCfg, protocol.ServerInfo{ServerID: "a"}, nil)

	ghost := connect(t, busCfg, "ghost")
	data, _ := json.Marshal(protocol.ServerInfo{ServerID: "ghost", Timestamp: time.Now().UTC()})
	if err := ghost.Conn().Publish(protocol.SubjectServerAnnounce, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "ghost seen", func() bool {
		for _, p := range a.Peers(HealthyOnly) {
			if p.Info.ServerID == "ghost" {
				return true
			}
		}
		return false
	})
	waitFor(t, "ghost expired", func() bool {
		for _, p := range a.Peers(nil) {
			if p.Info.ServerID == "ghost" {
				return !p.Healthy
			}
		}
		return false
	})
	if !a.Healthy() {
		t.Fatal("server with live heartbeats must stay healthy")
	}
}
