package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/geo"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/payments"
	"github.com/example/ambulance-dispatch/internal/presence"
	"github.com/example/ambulance-dispatch/internal/realtime"
	"github.com/example/ambulance-dispatch/internal/ride"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type flags struct {
	addr     string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	serve := func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := load(f)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, logger)
	}
	root := &cobra.Command{
		Use:          "dispatch-server",
		Short:        "Ambulance ride dispatch and real-time tracking server",
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVar(&f.addr, "addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE:  serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(f)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, logger)
		},
	})
	return root
}

func load(f *flags) (config.ServerConfig, *slog.Logger, error) {
	cfg, err := config.LoadServerConfig()
	if f.addr != "" {
		cfg.HTTPAddr = f.addr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	logger := logging.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return cfg, logger, err
	}
	return cfg, logger, nil
}

func migrate(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required for migrate")
	}
	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "files", applied)
	return nil
}

func rideConfig(cfg config.ServerConfig) ride.Config {
	return ride.Config{
		CodeTTL:                  cfg.PickupCodeTTL,
		PickupRadiusM:            cfg.PickupRadiusM,
		MaxVerifyAttempts:        cfg.PickupMaxAttempts,
		VerifyWindow:             cfg.PickupAttemptWindow,
		EligibilityRadiusKm:      cfg.EligibilityRadiusKm,
		AvailableWindow:          cfg.PickupCodeTTL,
		RedispatchOnDriverCancel: cfg.RedispatchOnDriverCancel,
	}
}

func dispatchConfig(cfg config.ServerConfig) dispatch.Config {
	return dispatch.Config{
		Interval:            cfg.DispatchInterval,
		MaxAttempts:         cfg.DispatchMaxAttempts,
		ZoneRadiusKm:        cfg.ZoneRadiusKm,
		EligibilityRadiusKm: cfg.EligibilityRadiusKm,
	}
}

type rideStore interface {
	storage.RideStore
	storage.DriverStore
}

func run(parent context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiOpts := []httpapi.Option{httpapi.WithZoneRadius(cfg.ZoneRadiusKm)}

	var store rideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, cfg, logger); err != nil {
				return err
			}
		}
		store = ps
		apiOpts = append(apiOpts, httpapi.WithReadyCheck(ps.Ping))
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		apiOpts = append(apiOpts, httpapi.WithReadyCheck(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	}

	bus := events.NewBus(logger)
	var trackerOpts []presence.Option
	if len(cfg.KafkaBrokers) > 0 {
		sink := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer sink.Close()
		bus.WithSink(sink)

		locations := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer locations.Close()
		trackerOpts = append(trackerOpts, presence.WithMirror(ingest.NewPresenceStream(locations)))
	} else if rdb != nil {
		trackerOpts = append(trackerOpts, presence.WithMirror(geo.NewRedisGeo(rdb, cfg.RedisGeoKey)))
	}
	tracker := presence.NewTracker(logger, trackerOpts...)

	rideOpts := []ride.Option{ride.WithPresence(tracker)}
	rcfg := rideConfig(cfg)
	if rdb != nil {
		rideOpts = append(rideOpts, ride.WithLimiter(ride.NewRedisLimiter(rdb, "pickup-attempts:", rcfg.MaxVerifyAttempts, rcfg.VerifyWindow)))
	}
	if cfg.StripeAPIKey != "" {
		rideOpts = append(rideOpts, ride.WithSettler(payments.NewStripeClient(cfg.StripeAPIKey, cfg.PaymentCurrency)))
	}
	rides := ride.NewService(store, store, bus, rcfg, logger, rideOpts...)

	estimator := &eta.Estimator{Cache: eta.NewCache(30 * time.Second), SpeedMps: cfg.ETASpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}
	offerer := &dispatch.BusOfferer{Bus: bus}
	if cfg.PushEndpoint != "" {
		offerer.Fallback = dispatch.NewPushOfferer(cfg.PushEndpoint, cfg.PushKey)
	}
	mgr := dispatch.NewManager(store, rides, tracker, bus, dispatchConfig(cfg), logger,
		dispatch.WithOfferer(offerer), dispatch.WithETA(estimator))
	rides.SetSearchController(mgr)

	gw := realtime.NewGateway(bus, tracker, rides, mgr, logger, realtime.WithZoneRadius(cfg.ZoneRadiusKm))
	apiOpts = append(apiOpts, httpapi.WithWebsocket(http.HandlerFunc(gw.ServeWS)))
	api := httpapi.NewServer(rides, tracker, logger, apiOpts...)

	go tracker.Run(ctx)
	go bus.Run(ctx)
	go gw.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	mgr.Shutdown()
	return err
}
