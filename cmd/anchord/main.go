// Command anchord runs the Anchor control plane: the agent dispatch API,
// the operator-facing API, and the background scheduler, as one process.
// State lives in Postgres; horizontal scale is multiple anchord replicas
// behind a load balancer, coordinated by Postgres advisory locks.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/anchorhq/anchor/pkg/alert"
	"github.com/anchorhq/anchor/pkg/allocator"
	"github.com/anchorhq/anchor/pkg/api"
	"github.com/anchorhq/anchor/pkg/backup"
	"github.com/anchorhq/anchor/pkg/config"
	"github.com/anchorhq/anchor/pkg/dispatcher"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/metrics"
	"github.com/anchorhq/anchor/pkg/migration"
	"github.com/anchorhq/anchor/pkg/rollout"
	"github.com/anchorhq/anchor/pkg/scheduler"
	"github.com/anchorhq/anchor/pkg/security"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "anchord",
	Short:   "Anchor control plane",
	Long:    "anchord runs the Anchor control plane: agent dispatch, the operator API, and the background scheduler.",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := store.Migrate(cfg.Store.DatabaseURL); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := store.Migrate(cfg.Store.DatabaseURL); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	s, err := store.Open(ctx, store.PostgresConfig{
		DatabaseURL:    cfg.Store.DatabaseURL,
		MaxConns:       cfg.Store.MaxConns,
		ConnectTimeout: cfg.Store.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	encryptionKey, err := hex.DecodeString(cfg.Security.EncryptionKeyHex)
	if err != nil {
		return fmt.Errorf("decode ENCRYPTION_KEY: %w", err)
	}
	secrets, err := security.NewSecretsManager(encryptionKey)
	if err != nil {
		return fmt.Errorf("init secrets manager: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	alloc := allocator.New(s, allocator.Config{
		HostPortMin: cfg.Allocator.HostPortMin,
		HostPortMax: cfg.Allocator.HostPortMax,
	})
	queue := workqueue.New(s, rdb)
	sink := buildAlertSink(cfg.Alert)
	certs := rollout.NoCertIssuer{}

	rolloutEngine := rollout.New(s, alloc, queue, broker, certs, sink, secrets)
	migrationEngine := migration.New(s, alloc, queue, broker, cfg.Storage)
	backupEngine := backup.New(s, queue, cfg.Storage)

	sched := scheduler.New(s, rolloutEngine, backupEngine, certs, cfg.Scheduler,
		cfg.Dispatcher.StalenessWindow, cfg.WorkQueue.ProcessingStuckAfter)
	sched.Start()
	defer sched.Stop()

	dispatcherHandler := dispatcher.New(s, queue, broker, cfg.Dispatcher.ClaimLongPoll, 10)
	apiHandler := api.New(s, rolloutEngine, migrationEngine, queue, broker, secrets, cfg.Security.EnrollmentTTL)

	dispatcherSrv := &http.Server{Addr: cfg.Dispatcher.ListenAddr, Handler: dispatcherRouter(dispatcherHandler)}
	apiSrv := &http.Server{Addr: cfg.API.ListenAddr, Handler: apiRouter(apiHandler)}

	errCh := make(chan error, 2)
	go func() {
		log.Logger.Info().Str("addr", cfg.Dispatcher.ListenAddr).Msg("dispatcher listening")
		if err := dispatcherSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("dispatcher server: %w", err)
		}
	}()
	go func() {
		log.Logger.Info().Str("addr", cfg.API.ListenAddr).Msg("api listening")
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dispatcherSrv.Shutdown(shutdownCtx)
	apiSrv.Shutdown(shutdownCtx)

	return nil
}

func dispatcherRouter(h *dispatcher.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthz)
	r.Handle("/metrics", metrics.Handler())
	h.Routes(r)
	return r
}

func apiRouter(h *api.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthz)
	h.Routes(r)
	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func buildAlertSink(cfg config.Alert) alert.Sink {
	var sinks alert.MultiSink
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		sinks = append(sinks, alert.NewSlackSink(cfg.SlackBotToken, cfg.SlackChannel))
	}
	if cfg.GenericWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.GenericWebhookURL))
	}
	if len(sinks) == 0 {
		return alert.NoopSink{}
	}
	return sinks
}
