// Command correlator runs the alert-correlation engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/correlator/pkg/correlator"
	"github.com/randalmurphal/correlator/pkg/correlator/bus"
	"github.com/randalmurphal/correlator/pkg/correlator/config"
	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/database"
	"github.com/randalmurphal/correlator/pkg/correlator/model"
	"github.com/randalmurphal/correlator/pkg/correlator/observability"
	"github.com/randalmurphal/correlator/pkg/correlator/rule"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Version information (set via ldflags during build)
var Version = "dev"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "correlator",
	Short:   "Alert-correlation engine for the supervision platform",
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the correlation engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "correlator.yaml", "configuration file")
	rootCmd.AddCommand(runCmd)
}

// run assembles the engine and blocks until a termination signal.
// A failed startup database probe returns an error, so the process
// exits non-zero instead of looping on a dead database.
func run(ctx context.Context) error {
	cfg, err := config.FromFile(configPath)
	if err != nil {
		return err
	}
	settings := config.SettingsFrom(cfg)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	gateway, err := database.Open(settings.DBDriver, settings.DBDSN)
	if err != nil {
		return err
	}
	defer gateway.Close()

	if settings.DBDriver == "sqlite" {
		if err := model.InitSchema(gateway.DB()); err != nil {
			return err
		}
	}

	store := ctxstore.NewRedisStore(ctxstore.RedisConfig{
		Addr:       settings.ContextAddr,
		MessageTTL: settings.MessageTTL,
		SharedTTL:  settings.SharedTTL,
	})
	defer store.Close()

	transport, err := bus.ConnectNATS(settings.BusURL)
	if err != nil {
		return err
	}
	defer transport.Close()

	// The rule set ships separately; the engine is rule-agnostic.
	registry := rule.NewRegistry()
	registerRules(registry)

	engine, err := correlator.NewEngine(settings, correlator.Options{
		Registry: registry,
		Gateway:  gateway,
		Store:    store,
		Bus:      transport,
		Logger:   logger,
		Metrics:  observability.NewMetricsRecorder(),
		Spans:    observability.NewSpanManager(),
	})
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error("unable to contact the database", slog.String("error", err.Error()))
		return err
	}
	defer engine.Stop()

	logger.Info("correlator started",
		slog.String("bus", settings.BusURL),
		slog.Int("rules", registry.Len()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("correlator stopping")
	return nil
}
