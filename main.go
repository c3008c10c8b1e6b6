package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/remote-mirror/pkg/bus"
	"github.com/remote-mirror/pkg/client"
	"github.com/remote-mirror/pkg/config"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/server"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for the local API and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	logLevel      = kingpin.Flag("log.level", "Log level (debug, info, warn, error).").String()
	logFormat     = kingpin.Flag("log.format", "Log format (text or json).").String()
)

func main() {
	kingpin.Parse()

	appConfig, err := config.LoadConfig(*configFile)
	if err != nil {
		// Fall back to defaults plus environment, which may still name a peer
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = &config.Config{}
		appConfig.SetDefaults()
		appConfig.ApplyEnvOverrides()
	}

	// Command line wins over file and environment
	if *listenAddress != "" {
		appConfig.Metrics.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		appConfig.Metrics.TelemetryPath = *telemetryPath
	}
	if *logLevel != "" {
		appConfig.Log.Level = *logLevel
	}
	if *logFormat != "" {
		appConfig.Log.Format = *logFormat
	}

	if err := logging.Configure(appConfig.Log.Level, appConfig.Log.Format); err != nil {
		logging.Fatalf("Invalid log configuration: %v", err)
	}
	defer logging.Flush()

	if err := appConfig.Validate(); err != nil {
		logging.Fatalf("Configuration error: %v", err)
	}
	logging.Logf("Instance initialized with ID: %s", logging.GetInstanceID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appConfig); err != nil {
		logging.Errorf("Exited with error: %v", err)
		logging.Flush()
		os.Exit(1)
	}
	logging.Log("Shut down gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	b := bus.New()
	defer b.Close()

	srv := server.NewServer(b)
	c := client.New(cfg, srv)
	srv.MustRegisterCollector(c.Metrics())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	g.Go(func() error {
		return srv.StartMetricsServer(gctx, cfg.Metrics.ListenAddress, cfg.Metrics.TelemetryPath)
	})
	return g.Wait()
}
