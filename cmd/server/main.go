package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chat-relay/internal/cache"
	"chat-relay/internal/presence"
	"chat-relay/internal/server"
	"chat-relay/internal/storage"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"
)

func main() {
	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	newLogger := zap.NewDevelopment
	if cfg.LogJSON {
		newLogger = zap.NewProduction
	}
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Cannot create logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	dbCfg := storage.Config{}
	if err := env.Parse(&dbCfg); err != nil {
		sugar.Fatalf("Cannot parse storage config: %v", err)
	}
	redisCfg := presence.RedisConfig{}
	if err := env.Parse(&redisCfg); err != nil {
		sugar.Fatalf("Cannot parse presence config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, sugar, dbCfg, storage.ConnectionTimeout(dbCfg.ConnectTimeout))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	if dbCfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			sugar.Fatalf("Cannot migrate schema: %v", err)
		}
	}

	c := cache.New(sugar)
	if err := c.LoadFromDB(ctx, store); err != nil {
		store.Close()
		sugar.Fatalf("Cannot hydrate cache: %v", err)
	}

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.RegisterAfterShutdown(store.Close),
	}

	var registry presence.Registry = presence.NewMemory()
	if redisCfg.Addr != "" {
		rdb, err := presence.NewRedis(ctx, redisCfg)
		if err != nil {
			store.Close()
			sugar.Fatalf("Cannot connect to redis: %v", err)
		}
		registry = rdb
		serverOpts = append(serverOpts, server.RegisterAfterShutdown(func() {
			if err := rdb.Close(); err != nil {
				sugar.Warnf("Closing redis client: %v", err)
			}
		}))
		sugar.Infof("Presence is kept in redis at %s", redisCfg.Addr)
	}

	srv, err := server.NewServer(sugar, c, store, registry, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(ctx); err != nil {
		store.Close()
		sugar.Fatalf("Cannot start transports: %v", err)
	}

	if err := srv.Wait(); err != nil {
		sugar.Errorf("Server stopped with error: %v", err)
		os.Exit(1)
	}
	sugar.Info("Application is stopped")
}
