package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/nfcrelay/internal/node"
	"github.com/danmuck/nfcrelay/internal/observability"
	"github.com/danmuck/nfcrelay/internal/server"
	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "", "path to relay config.toml")
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := run(*configPath, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envPath string) error {
	if err := loadEnvFile(envPath); err != nil {
		return err
	}
	cfg, err := loadRuntimeConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return err
	}

	logger := observability.InitLogger("relayctl", cfg.Log)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Service)
	node.LogRoutes(logger, srv)
	logger.Info().
		Str("addr", cfg.Service.Addr).
		Str("relay_addr", cfg.Service.RelayAddr).
		Str("server", cfg.Service.ServerName).
		Msg("starting")
	return srv.Run(ctx)
}
