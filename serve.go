package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/auth"
	"github.com/nexus-im/miniblog/internal/chat"
	"github.com/nexus-im/miniblog/internal/config"
	"github.com/nexus-im/miniblog/internal/httpapi"
	"github.com/nexus-im/miniblog/internal/realtime"
	"github.com/nexus-im/miniblog/store/conversation"
	"github.com/nexus-im/miniblog/store/schema"
	"github.com/nexus-im/miniblog/store/user"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the realtime gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	cmd.Flags().String("database-url", "", `Postgres DSN, or "memory" for in-process stores`)
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

type stores struct {
	users         user.Store
	conversations conversation.Store
	close         func() error
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (*stores, error) {
	if cfg.InMemory() {
		logger.Warn("using in-memory stores; data is lost on exit")
		return &stores{
			users:         user.NewMemoryStore(),
			conversations: conversation.NewMemoryStore(),
			close:         func() error { return nil },
		}, nil
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")
	if migrate {
		if err := schema.Apply(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
		logger.Info("schema applied")
	}
	return &stores{
		users:         user.NewSQLStore(db),
		conversations: conversation.NewSQLStore(db),
		close:         db.Close,
	}, nil
}

// openDB opens the pool and waits for Postgres to accept connections.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(func() error { return db.PingContext(ctx) }, b); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return db, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) error {
	st, err := openStores(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn("close database", zap.Error(err))
		}
	}()

	var reg *prometheus.Registry
	var metrics *realtime.Metrics
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = realtime.NewMetrics(reg)
	}

	var relay realtime.Relay
	if cfg.Realtime.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Realtime.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		relay = realtime.NewRedisRelay(rdb, cfg.Realtime.RedisChannel, logger)
		logger.Info("cross-node relay enabled", zap.String("channel", cfg.Realtime.RedisChannel))
	}

	hub := realtime.NewHub(metrics)
	defer hub.Close()
	gateway := realtime.NewGateway(hub, relay, logger, metrics)
	go func() {
		if err := gateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", zap.Error(err))
		}
	}()

	tokens := auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	svc := chat.NewService(st.conversations, st.users, logger, chat.WithPublisher(gateway))
	channels := realtime.NewChannelAuth(svc, tokens, logger, metrics)
	socket := realtime.NewHandler(hub, channels, func(r *http.Request) (int64, error) {
		id, _, err := httpapi.BearerUser(tokens, r)
		return id, err
	}, realtime.ConnectionConfig{
		SendBuffer:   cfg.Realtime.SendBuffer,
		PingInterval: cfg.Realtime.PingInterval,
		WriteWait:    cfg.Realtime.WriteWait,
		InboundRate:  cfg.Realtime.InboundRate,
	}, logger)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Chat:     svc,
			Users:    st.users,
			Tokens:   tokens,
			Channels: channels,
			Socket:   socket,
			Logger:   logger,
			Registry: reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
