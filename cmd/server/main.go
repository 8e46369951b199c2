package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/board-session-sync/internal/config"
	"github.com/DoyleJ11/board-session-sync/internal/distributed"
	"github.com/DoyleJ11/board-session-sync/internal/eventbus"
	"github.com/DoyleJ11/board-session-sync/internal/httpapi"
	"github.com/DoyleJ11/board-session-sync/internal/hub"
	"github.com/DoyleJ11/board-session-sync/internal/identity"
	"github.com/DoyleJ11/board-session-sync/internal/logging"
	"github.com/DoyleJ11/board-session-sync/internal/ratelimit"
	"github.com/DoyleJ11/board-session-sync/internal/resolver"
	"github.com/DoyleJ11/board-session-sync/internal/room"
	"github.com/DoyleJ11/board-session-sync/internal/storage"
	"github.com/DoyleJ11/board-session-sync/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// backend is everything that has to be released on shutdown.
type backend struct {
	state   distributed.State
	bus     eventbus.Bus
	store   storage.SessionStore
	closers []func() error
}

func (b *backend) close() error {
	var err error
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	return err
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger = logger.With(zap.String("instance_id", cfg.Instance.ID))

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("failed to release backends", zap.Error(err))
		}
	}()

	s := cfg.Session
	writes := storage.NewWriteBuffer(b.store, s.WriteDebounce, s.WriteMaxDelay, logger)
	rooms := room.New(room.Deps{
		State:   b.state,
		Bus:     b.bus,
		Store:   b.store,
		Writes:  writes,
		Limiter: ratelimit.New(cfg.RateLimit.Limits(), logger),
	}, room.Options{
		MaxQueueSize:      s.MaxQueueSize,
		EmptySessionGrace: s.EmptySessionGrace,
		HeartbeatInterval: s.HeartbeatInterval,
		ReapInterval:      s.ReapInterval,
		FlushInterval:     s.FlushInterval,
		RateIdleTTL:       cfg.RateLimit.IdleTTL,
		DiscoveryWindow:   s.DiscoveryWindow,
		DiscoveryLimit:    s.DiscoveryLimit,
		DefaultRadius:     s.DiscoveryDefaultRadius,
		MaxRadius:         s.DiscoveryMaxRadius,
	}, logger)
	res := resolver.New(rooms, b.bus, resolver.Options{
		MutationRetries:      s.MutationRetries,
		MembershipRetries:    s.MembershipRetries,
		MembershipRetryDelay: s.MembershipRetryDelay,
		SubscriptionBuffer:   s.SubscriptionBuffer,
	}, logger)

	h := hub.NewHub(context.Background())
	defer h.Stop()

	verifier := identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	handler := httpapi.SetupRoutes(httpapi.Deps{
		Rooms:    rooms,
		Verifier: verifier,
		WebSocket: ws.Handler(ws.Deps{
			Resolver:       res,
			Rooms:          rooms,
			Hub:            h,
			Verifier:       verifier,
			OriginPatterns: cfg.HTTP.AllowedOrigins,
			Logger:         logger,
		}),
		Pingers: map[string]httpapi.Pinger{"state": b.state, "store": b.store},
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rooms.Run(runCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		hardExit := time.AfterFunc(cfg.HTTP.ShutdownTimeout+time.Second, func() {
			logger.Error("shutdown timed out, forcing exit")
			_ = logger.Sync()
			os.Exit(1)
		})
		defer hardExit.Stop()

		var errs error
		n, err := h.Drain(shutdownCtx, "server shutting down")
		errs = multierr.Append(errs, err)
		logger.Info("closed client connections", zap.Int("count", n))

		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		cancelRun()
		errs = multierr.Append(errs, rooms.Shutdown(shutdownCtx))
		return errs
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *backend, err error) {
	b := &backend{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.close())
		}
	}()

	s := cfg.Session
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}

		b.state = distributed.NewRedis(client, cfg.Instance.ID, distributed.Options{
			Prefix:        cfg.Redis.KeyPrefix,
			ConnectionTTL: s.ConnectionTTL,
			HeartbeatTTL:  s.HeartbeatTTL,
			SessionTTL:    s.SessionTTL,
		}, logger)

		bus := eventbus.NewRedis(client, cfg.Redis.Channel, cfg.Instance.ID, logger)
		if err := bus.Start(ctx); err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", cfg.Redis.Channel, err)
		}
		b.closers = append(b.closers, bus.Close)
		b.bus = bus
		logger.Info("using redis coordination", zap.String("addr", cfg.Redis.Addr))
	} else {
		b.state = distributed.NewMemory(cfg.Instance.ID)
		b.bus = eventbus.NewLocal()
		logger.Info("redis not configured, running single instance")
	}

	if cfg.Database.Enabled() {
		db := cfg.Database
		connString := storage.BuildConnString(storage.PostgresConfig{
			Host:     db.Host,
			Port:     db.Port,
			Name:     db.Name,
			User:     db.User,
			Password: db.Password,
			SSLMode:  db.SSLMode,
		})
		gdb, closeDB, err := storage.OpenPostgres(ctx, connString, db.MinConns, db.MaxConns, logger)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		b.closers = append(b.closers, func() error { closeDB(); return nil })

		store := storage.NewGormStore(gdb)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.store = store
		logger.Info("using postgres session store", zap.String("host", db.Host), zap.String("database", db.Name))
	} else {
		b.store = storage.NewMemory()
		logger.Info("database not configured, sessions are kept in memory")
	}
	return b, nil
}
