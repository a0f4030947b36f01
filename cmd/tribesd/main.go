package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/johnewart/go-tribes/config"
	"github.com/johnewart/go-tribes/node"
	"zombiezen.com/go/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRIBES_CONFIG"), "path to a .toml or .yaml config file")
	flag.Parse()

	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Debugf(ctx, "No .env file loaded: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf(ctx, "Unable to load configuration: %v", err)
		os.Exit(1)
	}

	log.Infof(ctx, "tribesd starting up...")
	log.Infof(ctx, "PORT: %d", cfg.Port)
	log.Infof(ctx, "METRICS_PORT: %d", cfg.MetricsPort)
	log.Infof(ctx, "DOMAIN: %s", cfg.Domain)
	log.Infof(ctx, "SEEDS: %v", cfg.Seeds)
	log.Infof(ctx, "REDIS_HOST_PORT: %s", cfg.Store.RedisHostPort)

	n, err := node.NewNode(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, "Unable to create node: %v", err)
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		log.Errorf(ctx, "Unable to start node: %v", err)
		os.Exit(1)
	}

	signals, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-signals.Done()
	log.Infof(ctx, "Shutting down %v", n.LocalMember())
	if err := n.Stop(); err != nil {
		log.Errorf(ctx, "Unable to stop cleanly: %v", err)
		os.Exit(1)
	}
}
