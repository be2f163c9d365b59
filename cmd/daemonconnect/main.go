// Command daemonconnect is a thin CLI wiring the connector, its registry,
// logger, and metrics together. The connector package itself never
// parses flags or reads files; that plumbing lives entirely here.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/buildrun/daemonconnect/internal/clock"
	"github.com/buildrun/daemonconnect/internal/config"
	"github.com/buildrun/daemonconnect/internal/connector"
	"github.com/buildrun/daemonconnect/internal/dialer"
	"github.com/buildrun/daemonconnect/internal/launcher"
	"github.com/buildrun/daemonconnect/internal/logger"
	"github.com/buildrun/daemonconnect/internal/metrics"
	"github.com/buildrun/daemonconnect/internal/registry"
)

func main() {
	root, err := buildRoot()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() (*cobra.Command, error) {
	var configPath string
	var metricsAddr string
	var verbose bool

	root := &cobra.Command{
		Use:   "daemonconnect",
		Short: "Discover, launch, and connect to the local build daemon",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "daemonconnect.toml", "path to the TOML configuration file")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a compatible daemon, launching one if necessary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(configPath, metricsAddr, verbose)
		},
	}
	root.AddCommand(connectCmd)

	return root, nil
}

func runConnect(configPath, metricsAddr string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(logger.NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}, true))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "err", err)
	}
	if metricsAddr != "" {
		serveMetrics(metricsAddr, log)
	}

	params, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := registry.NewFile(params.RegistryPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	logs := logger.Config{Dir: params.StorageDir}
	conn := &connector.Connector{
		Registry: reg,
		Dialer: func(port int) (net.Conn, error) {
			return dialer.Dialer{}.Connect(port)
		},
		Launcher: launcher.New(params, logs),
		Clock:    clock.Real{},
		Params:   params,
		Output:   func(msg string) { fmt.Println(msg) },
		Log:      log,
	}

	client, err := conn.Connect()
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("connected to daemon %s (new=%t)\n", client.Daemon.ID, client.NewDaemon)
	return nil
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server stopped", "err", err)
		}
	}()
}
