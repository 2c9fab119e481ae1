package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/flowmeta/admin"
	"github.com/maxpert/flowmeta/cfg"
	flowgrpc "github.com/maxpert/flowmeta/grpc"
	"github.com/maxpert/flowmeta/meta"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/notify/sink"
	"github.com/maxpert/flowmeta/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("flowmeta - streaming meta service")
	telemetry.InitializeTelemetry()

	store, elector, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Str("backend", string(cfg.Config.Store.Backend)).Msg("Failed to open metadata store")
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing metadata store")
		}
	}()

	hub := notify.NewHub(cfg.Config.Notify.HistorySize, cfg.Config.Notify.SubscriberBuffer)
	defer hub.Close()

	forwarders, err := sink.NewForwarders(hub, cfg.Config.Notify.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create notification sinks")
		return
	}
	for _, f := range forwarders {
		if err := f.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start notification sink")
			return
		}
		defer f.Stop()
	}

	node := meta.NewNode(cfg.Config, store, elector, hub, flowgrpc.WorkerClientConfigFromGlobal())

	server := flowgrpc.NewServer(flowgrpc.ServerConfigFromGlobal(), flowgrpc.NewMetaServer(node, hub))
	node.OnLeadership(server.SetLeader)
	admin.RegisterRoutes(server.HTTPMux(), admin.NewAdminHandlers(node))
	if h := telemetry.GetMetricsHandler(); h != nil {
		server.HTTPMux().Handle("/metrics", h)
	}

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gRPC server")
		return
	}
	defer server.Stop()

	collector := telemetry.NewMetricsCollector(node, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("address", server.Addr().String()).
		Str("advertise_address", cfg.Config.GRPC.AdvertiseAddress).
		Str("store", string(cfg.Config.Store.Backend)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Meta node is operational")

	if err := node.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Meta node stopped")
	}
	log.Info().Msg("Shutting down")
}

// openStore opens the configured backend and its leader elector. Etcd uses
// its native election; every other backend uses a lease record in the store.
func openStore() (metastore.Store, metastore.Elector, error) {
	sc := cfg.Config.Store
	candidate := fmt.Sprintf("%d@%s", cfg.Config.NodeID, cfg.Config.GRPC.AdvertiseAddress)
	ttl := time.Duration(sc.LeaseTTLSeconds) * time.Second
	dialTimeout := time.Duration(sc.DialTimeoutMS) * time.Millisecond

	switch sc.Backend {
	case cfg.StoreMemory:
		log.Warn().Msg("Using the in-memory metadata store, state is lost on exit")
		s := metastore.NewMemoryStore()
		return s, metastore.NewLeaseElector(s, candidate, ttl), nil

	case cfg.StorePebble:
		path := sc.Path
		if path == "" {
			path = filepath.Join(cfg.Config.DataDir, "meta")
		}
		s, err := metastore.NewPebbleStore(path, metastore.PebbleOptions{WatchHistory: sc.WatchHistory})
		if err != nil {
			return nil, nil, err
		}
		return s, metastore.NewLeaseElector(s, candidate, ttl), nil

	case cfg.StoreEtcd:
		s, err := metastore.NewEtcdStore(metastore.EtcdOptions{
			Endpoints:   sc.Endpoints,
			Prefix:      sc.Prefix,
			DialTimeout: dialTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.NewElector(candidate, ttl), nil

	case cfg.StoreSQL:
		s, err := metastore.NewSQLStore(sc.Dialect, sc.DSN, metastore.SQLOptions{
			WatchHistory: sc.WatchHistory,
			DialTimeout:  dialTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, metastore.NewLeaseElector(s, candidate, ttl), nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}
