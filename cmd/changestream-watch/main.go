// Command changestream-watch watches a single collection's change stream
// and logs the decoded events, checkpointing its resume token to a
// pluggable backend so a restart picks up where it left off.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/relaydb/relaydb-go-driver/changestream"
	"github.com/relaydb/relaydb-go-driver/internal/config"
	"github.com/relaydb/relaydb-go-driver/internal/mongoresume"
	"github.com/relaydb/relaydb-go-driver/internal/watch"
	"github.com/relaydb/relaydb-go-driver/internal/watch/checkpoint"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if os.Getenv("CHANGESTREAM_DEV") == "true" {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(log); err != nil {
		log.WithError(err).Fatal("changestream-watch exited with error")
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.WithField("database", cfg.MongoDB.Database).Info("connecting to mongodb")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.WithError(err).Warn("error disconnecting from mongodb")
		}
	}()
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping mongodb: %w", err)
	}

	store, err := newCheckpointStore(ctx, cfg, client)
	if err != nil {
		return fmt.Errorf("failed to build checkpoint store: %w", err)
	}

	coll := client.Database(cfg.MongoDB.Database).Collection(cfg.MongoDB.SourceCollection)

	factory := func(ctx context.Context, resumeToken changestream.ResumeToken) (*changestream.Cursor[bson.M], error) {
		binding := mongoresume.NewBinding(client)
		desc := mongoresume.NewDescriptor(coll, nil, string(options.UpdateLookup), cfg.Watch.BatchSize, nil, resumeToken, nil)

		done := make(chan struct{})
		var cur *changestream.Cursor[bson.M]
		var execErr error
		desc.Execute(ctx, binding, func(underlying changestream.UnderlyingCursor, err error) {
			if err != nil {
				execErr = err
				close(done)
				return
			}
			cur = changestream.NewCursor[bson.M](binding, desc, underlying, resumeToken)
			close(done)
		})
		<-done
		return cur, execErr
	}

	consumer := func(_ context.Context, events []bson.M) error {
		for _, ev := range events {
			log.WithField("event", ev).Info("change event")
		}
		return nil
	}

	w := watch.NewWatcher(watch.Config{
		Name:           cfg.Watch.StreamName,
		CheckpointKey:  cfg.Watch.CheckpointKey,
		InitialBackoff: cfg.Watch.InitialBackoff,
		MaxBackoff:     cfg.Watch.MaxBackoff,
		IdlePoll:       cfg.Watch.IdlePoll,
	}, factory, store, consumer, log)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.Run(gctx)
	})

	server := newHTTPServer(cfg.HTTP.Port)
	group.Go(func() error {
		log.WithField("port", cfg.HTTP.Port).Info("http server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutting down gracefully")
	case <-gctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server forced to shutdown")
	}

	return group.Wait()
}

func newCheckpointStore(ctx context.Context, cfg *config.Config, client *mongo.Client) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "redis":
		return checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
			Addr:     cfg.Checkpoint.Redis.Addr,
			Password: cfg.Checkpoint.Redis.Password,
			DB:       cfg.Checkpoint.Redis.DB,
			TTL:      cfg.Checkpoint.Redis.TTL,
		})
	case "mongo":
		return checkpoint.NewMongoStore(client.Database(cfg.MongoDB.Database)), nil
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

func newHTTPServer(port int) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
