package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/windlabs/wind/internal/core/config"
	"github.com/windlabs/wind/internal/core/observability/log"
	"github.com/windlabs/wind/internal/core/registry"
)

func main() {
	bind := flag.String("bind", "", "listen address (overrides config)")
	configPath := flag.String("config", "", "path to a YAML config file")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	flag.Parse()

	logger := log.New(log.ParseLevel(*logLevel))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *bind != "" {
		cfg.Registry.Bind = *bind
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := registry.NewServer(registry.ServerConfig{
		Bind:          cfg.Registry.Bind,
		SweepInterval: cfg.Registry.SweepInterval(),
	}, logger)

	if err := server.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error starting registry:", err)
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)

	<-stopCh
	cancel()
	if err := server.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "Error stopping registry:", err)
	}
}
