package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/livedata/admin"
	"github.com/maxpert/livedata/cfg"
	"github.com/maxpert/livedata/crossbar"
	"github.com/maxpert/livedata/livedata"
	"github.com/maxpert/livedata/oplog"
	"github.com/maxpert/livedata/store"
	"github.com/maxpert/livedata/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
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

	log.Info().Msg("Livedata - reactive query engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Document store
	log.Info().Str("driver", string(cfg.Config.Store.Driver)).Msg("Opening document store")
	docs, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open document store")
		return
	}
	defer docs.Close()

	// Change log
	var changeLog *oplog.Log
	if cfg.Config.Oplog.Enabled {
		log.Info().Strs("collections", cfg.Config.Oplog.Collections).Msg("Opening change log")
		changeLog, err = oplog.Open(oplog.Options{
			Dir:                  cfg.GetOplogPath(),
			InMemory:             cfg.Config.Oplog.InMemory,
			Collections:          cfg.Config.Oplog.Collections,
			Retention:            cfg.Config.Oplog.Retention,
			CompressionThreshold: cfg.Config.Oplog.CompressionThreshold,
			NodeID:               cfg.Config.NodeID,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open change log")
			return
		}
		defer changeLog.Close()
	}

	// Invalidation crossbar, optionally shared over NATS
	xbar := crossbar.New()
	if cfg.Config.Bridge.Enabled {
		log.Info().Str("url", cfg.Config.Bridge.NatsURL).Msg("Connecting invalidation bridge")
		nc, err := crossbar.Dial(cfg.Config.Bridge.NatsURL, time.Minute)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect invalidation bridge")
			return
		}
		defer nc.Close()

		origin := strconv.FormatUint(cfg.Config.NodeID, 16)
		bridge, err := crossbar.NewBridge(xbar, nc, cfg.Config.Bridge.Subject, origin)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start invalidation bridge")
			return
		}
		defer bridge.Close()
	}

	conn, err := livedata.New(docs, livedata.Options{
		Log:              changeLog,
		Crossbar:         xbar,
		PollingInterval:  time.Duration(cfg.Config.Polling.IntervalMS) * time.Millisecond,
		PollingThrottle:  time.Duration(cfg.Config.Polling.ThrottleMS) * time.Millisecond,
		TailBatchSize:    cfg.Config.Oplog.BatchSize,
		TailPollInterval: time.Duration(cfg.Config.Oplog.PollIntervalMS) * time.Millisecond,
		UpsertMaxTries:   cfg.Config.Writes.UpsertMaxTries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create connection")
		return
	}
	defer conn.Close()

	var seqs telemetry.SequenceRange
	if changeLog != nil {
		seqs = changeLog
	}
	collector := telemetry.NewMetricsCollector(xbar, seqs, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		server := admin.NewServer(
			cfg.Config.Admin.Address,
			cfg.Config.Admin.Port,
			admin.NewAdminHandlers(conn, changeLog),
			telemetry.GetMetricsHandler(),
		)
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(ctx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Bool("oplog", changeLog != nil).
		Bool("bridge", cfg.Config.Bridge.Enabled).
		Msg("Node is operational")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func openStore() (store.Store, error) {
	switch cfg.Config.Store.Driver {
	case cfg.StoreMemory:
		return store.NewMemory(), nil
	default:
		return store.OpenSQL(string(cfg.Config.Store.Driver), cfg.GetStoreDSN())
	}
}
