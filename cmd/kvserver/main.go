package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/node"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
)

const leaveTimeout = 30 * time.Second

func main() {
	cfg := config.DefaultNode()
	k, err := kong.New(cfg, kong.Name("kvserver"),
		kong.Description("Storage node of the ring"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := pkg.New(cfg.Log.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info().
		Str("address", cfg.ClientAddress()).
		Str("bootstrap", cfg.Bootstrap).
		Bool("in_memory", cfg.InMemory).
		Msg("Starting storage node")

	sinkName := metrics.NoSink
	if cfg.HTTPPort > 0 {
		sinkName = metrics.PrometheusSink
	}
	sink := metrics.NewSinkFromString(sinkName, cfg.ClientAddress())

	kv, err := node.New(cfg, logger, sink, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create node")
		os.Exit(1)
	}

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(kv, sink, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create HTTP API server")
			kv.Stop()
			os.Exit(1)
		}
		kv.SetPublisher(httpServer.Hub())
		if err := httpServer.Start(net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.HTTPPort))); err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			kv.Stop()
			os.Exit(1)
		}
	}

	var adminServer *transport.AdminServer
	if cfg.GRPCPort > 0 {
		adminServer, err = transport.NewAdminServer(kv, net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.GRPCPort)), cfg.AuthToken, logger)
		if err == nil {
			err = adminServer.Start()
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start admin service")
			cleanup(kv, nil, httpServer, logger)
			os.Exit(1)
		}
	}

	if err := kv.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start node")
		cleanup(kv, adminServer, httpServer, logger)
		os.Exit(1)
	}

	logger.Info().Str("address", kv.Address()).Msg("Storage node is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	if err := kv.Leave(ctx); err != nil {
		logger.Error().Err(err).Msg("Leaving the ring failed, data stays with the replicas")
	}
	cancel()

	cleanup(kv, adminServer, httpServer, logger)
	logger.Info().Msg("Storage node shutdown complete")
}

// cleanup stops the outer surfaces before the node itself.
func cleanup(kv *node.Node, adminServer *transport.AdminServer, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}
	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin service")
		}
	}
	if err := kv.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping node")
	}
}
