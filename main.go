package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"lightercpty/config"
	"lightercpty/cpty"
	"lightercpty/gateway"
	"lightercpty/logger"
	"lightercpty/orderbook"
	"lightercpty/ratelimit"
	"lightercpty/reader/lighter"
	"lightercpty/venue"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Gateway.Name,
		"version": cfg.Gateway.Version,
	}).Info("starting lightercpty")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Error("invalid redis url")
			os.Exit(1)
		}
		opts.DB = cfg.Redis.DB
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, book mirroring degraded")
		}
	} else {
		log.WithComponent("main").Info("redis disabled; skipping book mirroring")
	}

	limiter := ratelimit.New()
	venueClient := venue.NewClient(cfg.Lighter, limiter)
	books := orderbook.NewManager(rdb, cfg.Redis.KeyTTL, cfg.Redis.Depth)

	engine := cpty.NewEngine(cfg, venueClient, nil, books)
	stream := lighter.NewClient(lighter.Config{
		URL:          cfg.Lighter.WSURL,
		MaxAttempts:  cfg.MarketData.Reconnect.MaxAttempts,
		BaseDelay:    cfg.MarketData.Reconnect.BaseDelay,
		MaxDelay:     cfg.MarketData.Reconnect.MaxDelay,
		SendInterval: cfg.MarketData.SendInterval,
	}, engine, limiter)
	engine.SetMarketData(stream)

	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, engine)
	if err := server.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start gateway server")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping gateway server")
	server.Stop()

	log.Info("stopping engine")
	engine.Stop()

	if rdb != nil {
		rdb.Close()
	}

	log.Info("lightercpty stopped")
}
