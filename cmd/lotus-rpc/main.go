package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filecoinjs/lotusrpc/pkg/config"
	"github.com/filecoinjs/lotusrpc/pkg/log"
	"github.com/filecoinjs/lotusrpc/pkg/rpc"
)

const metricsEndpoint = "/metrics"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "help" {
		printUsage()
		return 2
	}

	bootLogger := log.NewZapLogger(log.Config{Format: "console", Level: log.LevelInfo, Output: "stderr"})
	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		return 1
	}

	logger := log.NewZapLogger(cfg.Log).WithName("lotus-rpc")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.SetContextLogger(ctx, logger)

	var metrics *rpc.Metrics
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = rpc.NewMetricsWithRegistry(registry)

		metricsServer := newMetricsServer(cfg.MetricsAddr, registry)
		go func() {
			logger.Info("Prometheus metrics available", "listenAddr", cfg.MetricsAddr, "endpoint", metricsEndpoint)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failure", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down metrics server", "error", err)
			}
		}()
	}

	conn, err := rpc.NewConnector(cfg.APIURL, cfg.ConnectorConfig(metrics))
	if err != nil {
		logger.Error("failed to create connector", "endpoint", cfg.APIURL, "error", err)
		return 1
	}
	conn.On(rpc.EventDisconnected, func(err error) {
		if err != nil {
			logger.Warn("connection to node lost", "error", err)
		}
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	err = conn.Connect(connectCtx)
	cancel()
	if err != nil {
		logger.Error("failed to connect", "endpoint", cfg.APIURL, "error", err)
		return 1
	}
	defer conn.Disconnect()

	op := NewOperator(cfg, conn, os.Stdout)
	if err := op.Execute(ctx, args); err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		return 1
	}
	return 0
}

func newMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(metricsEndpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: lotus-rpc <command> [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", c.usage, c.description)
	}
	fmt.Fprintln(os.Stderr)
	if usage, err := config.Usage(); err == nil {
		fmt.Fprintln(os.Stderr, usage)
	}
}
