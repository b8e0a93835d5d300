// Command replica runs one location-certification replica: it loads its
// roster and boot configuration, wires the storage, validation, BRB and
// transport layers together, and serves both the framed TCP admission port
// and the ambient HTTP status surface until it receives SIGINT/SIGTERM.
//
// Grounded on cmd/api/main.go's component-wiring-then-signal.Notify
// graceful shutdown idiom.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AfonsoRibeiro/locuscert/internal/brb"
	"github.com/AfonsoRibeiro/locuscert/internal/config"
	"github.com/AfonsoRibeiro/locuscert/internal/keys"
	"github.com/AfonsoRibeiro/locuscert/internal/metrics"
	"github.com/AfonsoRibeiro/locuscert/internal/model"
	"github.com/AfonsoRibeiro/locuscert/internal/rpcserver"
	"github.com/AfonsoRibeiro/locuscert/internal/store"
	"github.com/AfonsoRibeiro/locuscert/internal/transport"
	"github.com/AfonsoRibeiro/locuscert/internal/transport/redisgossip"
	"github.com/AfonsoRibeiro/locuscert/internal/transport/tcp"
	"github.com/AfonsoRibeiro/locuscert/internal/validate"
	"github.com/AfonsoRibeiro/locuscert/internal/wire"
)

func main() {
	cfgPath := getEnvOrDefault("LOCUSCERT_CONFIG", "replica.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	keyProvider, err := keys.LoadStaticProvider(cfg.Replica.RosterPath)
	if err != nil {
		log.Fatalf("keys: %v", err)
	}
	self := keyProvider.Self()
	replicas := keyProvider.Replicas()
	slog.Info("replica starting", "self", self, "replicas", replicas, "f", cfg.Replica.F)

	var engine *store.Engine
	if cfg.Storage.SnapshotPath != "" {
		if loaded, err := store.LoadSnapshot(cfg.Storage.SnapshotPath); err == nil {
			slog.Info("restored from snapshot", "path", cfg.Storage.SnapshotPath)
			engine = loaded
		}
	}
	if engine == nil {
		engine = store.NewEngine(cfg.Grid.Edge, cfg.Storage.SnapshotPath)
	}

	validator := validate.NewValidator(keyProvider, cfg.Grid.Edge, cfg.Grid.FLine)

	addrs := make(map[keys.ReplicaID]string, len(cfg.Network.Replicas))
	for id, addr := range cfg.Network.Replicas {
		addrs[keys.ReplicaID(id)] = addr
	}
	primary := tcp.New(self, addrs, keyProvider, cfg.Network.DialTimeout())

	// When Redis is enabled it carries real ECHO/READY traffic as a second
	// path alongside TCP, not just a listener with nothing publishing to it.
	var redisClient *redis.Client
	var gossip *redisgossip.Transport
	var bcastTransport transport.Transport = primary
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		gossip = redisgossip.New(redisClient, self, keyProvider)
		bcastTransport = transport.NewFanOut(primary, gossip)
	}
	broadcaster := transport.NewBroadcaster(bcastTransport, self, cfg.Network.RetryBackoff(), 5)

	events := brb.NewLocalEventBus()
	m := metrics.New()
	metrics.WireBRB(events, m)

	core := brb.NewCore(self, replicas, cfg.Replica.F, keyProvider, engine, validator, broadcaster, events)

	server := rpcserver.New(keyProvider, engine, validator, core, m, cfg.Network.PowDifficulty)
	statusServer := rpcserver.NewStatusServer(self, core, replicas)

	ctx, cancel := context.WithCancel(context.Background())

	if gossip != nil {
		go func() {
			handler := func(hctx context.Context, from keys.ReplicaID, body wire.WriteBody) {
				if err := core.HandleIncoming(hctx, from, body.Kind, model.UserIdx(body.Idx), model.Epoch(body.Epoch), body.Report); err != nil {
					slog.Warn("redisgossip: incoming write rejected", "from", from, "error", err)
				}
			}
			if err := gossip.Listen(ctx, handler); err != nil && ctx.Err() == nil {
				slog.Warn("redisgossip listener stopped", "error", err)
			}
		}()
		slog.Info("redis gossip transport enabled", "addr", cfg.Redis.Addr)
	}

	go func() {
		if err := server.ListenAndServe(ctx, cfg.Replica.ListenAddr); err != nil {
			slog.Error("admission server stopped", "error", err)
		}
	}()
	go func() {
		if err := statusServer.Start(cfg.Status.ListenAddr); err != nil {
			slog.Error("status server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")
	cancel()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	time.Sleep(200 * time.Millisecond)
	slog.Info("replica stopped")
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
