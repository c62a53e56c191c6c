package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/beadhub/beadhub/internal/engine"
	"github.com/beadhub/beadhub/internal/schema"
	"github.com/beadhub/beadhub/pkg/config"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "beadhub",
	Short: "Coordination server for multi-agent development",
	Long: `beadhub is the shared coordination point for agents working across
git workspaces: bead sync, claims, presence, policies, escalations,
and notifications.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the beadhub server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("beadhub %s (build %s)\n", Version, BuildTime)
		fmt.Printf("Commit: %s\n", GitCommit)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		settings, err := config.Load()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		db, err := database.New(ctx, settings.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := schema.Apply(ctx, db.Pool()); err != nil {
			return err
		}
		fmt.Printf("Schema is at version %d\n", schema.Version())
		return nil
	},
}

func serve(ctx context.Context) error {
	// A missing .env is fine; the environment itself may carry the
	// configuration.
	_ = godotenv.Load()

	settings, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New("beadhub", Version)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer db.Close()

	rdb, err := database.NewRedis(ctx, settings.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer rdb.Close()

	if err := schema.Apply(ctx, db.Pool()); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Infof("Schema is at version %d", schema.Version())

	if settings.ProxySharedSecret == "" {
		log.Warn("BEADHUB_PROXY_SHARED_SECRET is not set; proxy authentication is disabled")
	}

	eng := engine.NewEngine(settings, db, rdb, log)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Outbox().Run(gctx)
	})
	g.Go(func() error {
		return eng.Escalations().Run(gctx, time.Minute)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("Shutting down...")
		return eng.Stop(shutdownCtx)
	})

	log.Infof("beadhub is ready on %s", settings.Addr())
	return g.Wait()
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
