package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/events"
	"github.com/liamcoop/decisions/internal/config"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/multitenantengine"
	"github.com/liamcoop/decisions/workflow"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal("invalid log level", "error", err)
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []ServerOption{
		WithInterpreterOptions(
			workflow.WithMaxSteps(cfg.Engine.MaxSteps),
			workflow.WithStepTimeout(cfg.Engine.StepTimeout),
		),
		WithManagerOptions(multitenantengine.WithCacheTTL(cfg.Engine.CacheTTL)),
	}
	if len(cfg.DataSources) > 0 {
		opts = append(opts, WithInvoker(workflow.NewHTTPInvoker(cfg.DataSources, nil)))
		logger.Info("data sources configured", "count", len(cfg.DataSources))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		}
		opts = append(opts, WithStatsStore(decision.NewRedisStatsStore(client)))
	}

	emitter, err := buildEmitter(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to create event emitters", "error", err)
	}
	defer func() {
		if err := emitter.Close(); err != nil {
			logger.Error("failed to close event emitters", "error", err)
		}
	}()
	opts = append(opts, WithEmitter(emitter))

	var server *Server
	if cfg.Database.URL != "" {
		server, err = NewServer(ctx, cfg.Database.URL, opts...)
	} else {
		logger.Warn("no database configured, state is kept in memory")
		server, err = NewServerWithDB(ctx, nil, opts...)
	}
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer closeDB(server.db)

	if err := server.orgs.StartRefresh(ctx, cfg.Refresh.Schedule); err != nil {
		logger.Fatal("failed to schedule organization refresh", "error", err)
	}
	defer server.orgs.StopRefresh()

	if cfg.Definitions.Dir != "" {
		w, err := server.LoadDefinitions(ctx, cfg.Definitions.Dir, cfg.Definitions.Organization)
		if err != nil {
			logger.Fatal("failed to load definitions", "error", err)
		}
		if cfg.Definitions.Watch {
			go func() {
				if err := w.Run(ctx); err != nil {
					logger.Error("definitions watcher stopped", "error", err)
				}
			}()
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")

	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush logs", "error", err)
	}
}

// buildEmitter fans decision events out to the log and to every
// configured broker.
func buildEmitter(ctx context.Context, cfg *config.Config) (*events.MultiEmitter, error) {
	emitters := []events.Emitter{events.NewLogEmitter()}
	if len(cfg.Kafka.Brokers) > 0 {
		emitters = append(emitters, events.NewKafkaEmitter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		logger.Info("publishing decision events to kafka", "topic", cfg.Kafka.Topic)
	}
	if cfg.PubSub.Project != "" {
		ps, err := events.NewPubSubEmitter(ctx, cfg.PubSub.Project, cfg.PubSub.Topic)
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, ps)
		logger.Info("publishing decision events to pubsub", "project", cfg.PubSub.Project, "topic", cfg.PubSub.Topic)
	}
	return events.NewMultiEmitter(emitters...), nil
}

func closeDB(db *sql.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}
}
