package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/zde37/ringkv/internal/api"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/coordinator"
	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
)

func main() {
	cfg := config.DefaultCoordinator()
	k, err := kong.New(cfg, kong.Name("ecs"),
		kong.Description("Ring coordinator: admits and removes storage nodes and distributes the ring"),
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
		Str("address", cfg.ListenAddress()).
		Int("http_port", cfg.HTTPPort).
		Int("grpc_port", cfg.GRPCPort).
		Msg("Starting coordinator")

	sinkName := metrics.NoSink
	if cfg.HTTPPort > 0 {
		sinkName = metrics.PrometheusSink
	}
	sink := metrics.NewSinkFromString(sinkName, "ecs")

	ecs, err := coordinator.New(cfg, logger, sink, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create coordinator")
		os.Exit(1)
	}

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(ecs, sink, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create HTTP API server")
			os.Exit(1)
		}
		ecs.SetPublisher(httpServer.Hub())
	}

	if err := ecs.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start coordinator")
		os.Exit(1)
	}

	var adminServer *transport.AdminServer
	if cfg.GRPCPort > 0 {
		adminServer, err = transport.NewAdminServer(ecs, net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.GRPCPort)), cfg.AuthToken, logger)
		if err == nil {
			err = adminServer.Start()
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start admin service")
			cleanup(ecs, nil, nil, logger)
			os.Exit(1)
		}
	}

	if httpServer != nil {
		if err := httpServer.Start(net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.HTTPPort))); err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(ecs, adminServer, nil, logger)
			os.Exit(1)
		}
	}

	logger.Info().Str("address", ecs.Addr()).Msg("Coordinator is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(ecs, adminServer, httpServer, logger)
	logger.Info().Msg("Coordinator shutdown complete")
}

// cleanup stops the outer surfaces before the coordinator itself.
func cleanup(ecs *coordinator.Coordinator, adminServer *transport.AdminServer, httpServer *api.Server, logger *pkg.Logger) {
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
	if err := ecs.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping coordinator")
	}
}
