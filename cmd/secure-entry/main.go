package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ticketmaster/secure-entry-go/internal/config"
	"github.com/ticketmaster/secure-entry-go/internal/logger"
	"github.com/ticketmaster/secure-entry-go/timesync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "secure-entry: %v\n", err)
		os.Exit(1)
	}
}

// app holds what the subcommands share once the config is loaded.
type app struct {
	configPath string

	cfg      *config.Config
	logger   zerolog.Logger
	service  *timesync.Service
	registry *prometheus.Registry
	closers  []func() error
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "secure-entry",
		Short: "Decode and render secure entry ticket tokens",
		Long: `secure-entry decodes entry tokens issued by the ticket delivery service and
renders the code a venue scanner reads, rotating it every 15 seconds for
rotating tickets. Tokens are read from the argument, or from stdin when the
argument is "-" or missing.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default ./config.yaml if present)")
	cmd.AddCommand(
		newDecodeCmd(a),
		newSignCmd(a),
		newShowCmd(a),
		newSyncCmd(a),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg
	a.logger = logger.Setup(cfg.Logger.Level, cfg.Logger.Format, cmd.ErrOrStderr())

	storage, err := a.newStorage(cmd.Context())
	if err != nil {
		return err
	}

	var metrics *timesync.Metrics
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		metrics = timesync.NewMetrics(a.registry)
		if cfg.Metrics.Addr != "" {
			a.serveMetrics(cfg.Metrics.Addr)
		}
	}

	a.service = timesync.NewService(
		timesync.WithStorage(storage),
		timesync.WithEndpoint(cfg.TimeSync.Endpoint),
		timesync.WithTimeout(cfg.TimeSync.Timeout),
		timesync.WithRetryInterval(cfg.TimeSync.RetryInterval),
		timesync.WithCacheTTL(cfg.TimeSync.CacheTTL),
		timesync.WithLogger(a.logger.With().Str("component", "timesync").Logger()),
		timesync.WithMetrics(metrics),
	)
	return nil
}

func (a *app) newStorage(ctx context.Context) (timesync.Storage, error) {
	switch a.cfg.Storage.Driver {
	case config.StorageMemory:
		return timesync.NewMemoryStore(), nil
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Address(),
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, a.cfg.TimeSync.Timeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Address(), err)
		}
		store := timesync.NewRedisStore(client, a.cfg.Redis.Prefix)
		a.closers = append(a.closers, store.Close)
		a.logger.Debug().Str("addr", a.cfg.Redis.Address()).Msg("Using redis storage")
		return store, nil
	default:
		path := a.cfg.Storage.Path
		if path == "" {
			var err error
			if path, err = timesync.DefaultStoragePath(); err != nil {
				a.logger.Warn().Err(err).Msg("No user cache dir, time delta is kept in memory")
				return timesync.NewMemoryStore(), nil
			}
		}
		a.logger.Debug().Str("path", path).Msg("Using file storage")
		return timesync.NewFileStore(path), nil
	}
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
}

// runE closes what setup opened once fn returns, even when it fails.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if closeErr := a.close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		return fn(cmd, args)
	}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
