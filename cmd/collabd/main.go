// Command collabd runs the collaborative editing server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"collab-engine/internal/config"
	"collab-engine/internal/events"
	"collab-engine/internal/httpapi"
	"collab-engine/internal/hub"
	"collab-engine/internal/logging"
	"collab-engine/internal/presence"
	"collab-engine/internal/registry"
	"collab-engine/internal/session"
	"collab-engine/internal/storage"
	"collab-engine/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default: ./config/collab.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatalf("init logger: %v", err)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func openStore(cfg *config.Config, log logrus.FieldLogger) (storage.Store, error) {
	if cfg.Storage.Driver == "mysql" {
		return storage.OpenMySQL(cfg.Storage.MySQL.DSN, log)
	}
	return storage.NewBadgerStore(storage.BadgerConfig{
		Path:       cfg.Storage.Badger.Path,
		InMemory:   cfg.Storage.Badger.InMemory,
		SyncWrites: cfg.Storage.Badger.SyncWrites,
		Logger:     log,
	})
}

func run(cfg *config.Config, log *logrus.Logger) error {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	metrics, err := telemetry.New(provider)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("store close failed")
		}
	}()

	gateway := storage.NewGateway(store, storage.Options{
		CompactionThreshold: cfg.Compaction.Threshold,
		CompactionKeep:      cfg.Compaction.Keep,
		CompactionTimeout:   cfg.Compaction.Timeout,
		Workers:             cfg.Compaction.Workers,
		QueueSize:           cfg.Compaction.QueueSize,
	}, log, metrics)
	defer gateway.Close()

	var tracker presence.Tracker
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return err
		}
		tracker = presence.NewRedis(rdb)
		log.WithField("addrs", cfg.Redis.Addrs).Info("redis presence enabled")
	}

	var dispatcher *events.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return err
		}
		defer producer.Close()
		dispatcher = events.NewDispatcher(producer, cfg.Kafka.Topic, events.Options{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		}, log)
		defer dispatcher.Close()
		log.WithField("topic", cfg.Kafka.Topic).Info("kafka publishing enabled")
	}

	docs := registry.New(gateway, dispatcher, registry.Config{
		IdleTimeout:   cfg.Registry.IdleTimeout,
		SweepInterval: cfg.Registry.SweepInterval,
		Session: session.Config{
			BufferSize:    cfg.Session.BufferSize,
			SubmitTimeout: cfg.Session.SubmitTimeout,
		},
	}, log, metrics)
	defer docs.Close()

	h := hub.NewHub(docs, tracker, hub.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PresenceTTL:    cfg.Redis.PresenceTTL,
		Logger:         log,
	})
	go h.Run()
	defer h.Shutdown()

	if !log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewRouter(docs, h, httpapi.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         log,
			Metrics:        reader,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	return nil
}
