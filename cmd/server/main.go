package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/lightning-chat/internal/api"
	"github.com/npezzotti/lightning-chat/internal/auth"
	"github.com/npezzotti/lightning-chat/internal/broker"
	"github.com/npezzotti/lightning-chat/internal/config"
	"github.com/npezzotti/lightning-chat/internal/database"
	"github.com/npezzotti/lightning-chat/internal/history"
	"github.com/npezzotti/lightning-chat/internal/keylock"
	"github.com/npezzotti/lightning-chat/internal/registry"
	"github.com/npezzotti/lightning-chat/internal/server"
	"github.com/npezzotti/lightning-chat/internal/snowflake"
	"github.com/npezzotti/lightning-chat/internal/stats"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lightning-chat:", err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lightning-chat",
		Short:         "lightning-chat serves room chat over STOMP on WebSocket",
		SilenceErrors: true,
		Example: `
  # single instance, everything in memory except Redis
  lightning-chat --store memory

  # Postgres backed, schema applied on start
  LIGHTNING_DSN="host=localhost user=postgres password=postgres dbname=postgres sslmode=disable" lightning-chat --migrate
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, logger, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML, TOML or JSON config file")
	flags.String(config.KeySigningKey, defaultSigningKey, "base64 encoded token signing key")

	flags = cmd.Flags()
	flags.String(config.KeyAddr, "localhost:8000", "server address")
	flags.String(config.KeyStore, config.StorePostgres, "message store: postgres or memory")
	flags.String(config.KeyDSN, "", "postgres connection string")
	flags.StringSlice(config.KeyAllowedOrigins, nil, "comma-separated list of allowed origins for CORS and WebSocket upgrades")
	flags.String(config.KeyRedisAddr, "localhost:6379", "redis address")
	flags.String(config.KeyRedisPassword, "", "redis password")
	flags.Int(config.KeyRedisDB, 0, "redis database number")
	flags.Duration(config.KeyRedisTimeout, 3*time.Second, "timeout for each registry operation")
	flags.Int64(config.KeyNodeID, config.RandomNodeID, "snowflake node id in [0,1023], -1 picks one at random")
	flags.Duration(config.KeyLockTimeout, 2*time.Second, "maximum wait for a read cursor lock")
	flags.String(config.KeyBrokerChannel, "chat:fanout", "redis pub/sub channel shared by all instances")
	flags.String(config.KeyKeyPrefix, "chat:", "prefix of every registry key")
	flags.Bool(config.KeyMigrate, false, "apply database migrations on start")
	flags.String(config.KeyLogLevel, "info", "log level: debug, info, warn or error")

	config.SetDefaults(v)
	config.BindEnv(v)
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}

	cmd.AddCommand(newTokenCommand(v))

	return cmd
}

func loadConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogLevel == zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	return zc.Build()
}

func openStore(logger *zap.Logger, cfg *config.Config) (database.ChatRepository, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory message store, history is lost on exit")
		return database.NewMemoryChatRepository(), nil
	}

	if cfg.Migrate {
		logger.Info("applying database migrations")
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			return nil, err
		}
	}

	return database.NewPgChatRepository(cfg.DatabaseDSN)
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config) (err error) {
	db, err := openStore(logger, cfg)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("db close: %w", cerr))
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	nodeID := cfg.NodeID
	if nodeID == config.RandomNodeID {
		nodeID = snowflake.RandomNodeID()
	}
	ids, err := snowflake.New(nodeID)
	if err != nil {
		return fmt.Errorf("id generator: %w", err)
	}
	logger.Info("id generator ready", zap.Int64("node_id", nodeID))

	statsUpdater := stats.NewStatsUpdater()
	if err := statsUpdater.RegisterMetric(stats.BrokerDeliveries); err != nil {
		return fmt.Errorf("register metric: %w", err)
	}

	cursors := history.NewCursorKeeper(db, keylock.New(), cfg.LockTimeout)
	verifier := auth.NewJWTVerifier(cfg.SigningKey)
	reg := registry.New(rdb, logger, registry.Options{
		KeyPrefix: cfg.KeyPrefix,
		Timeout:   cfg.RedisTimeout,
	})
	b := broker.New(rdb, logger,
		broker.WithChannel(cfg.BrokerChannel),
		broker.WithReceiveHook(func() { statsUpdater.Incr(stats.BrokerDeliveries) }),
	)

	chatServer, err := server.NewChatServer(logger, server.Options{
		Registry: reg,
		Broker:   b,
		DB:       db,
		Verifier: verifier,
		IDs:      ids,
		Cursors:  cursors,
		Stats:    statsUpdater,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	app := api.NewChatApp(logger, cfg, api.Options{
		Chat:     chatServer,
		DB:       db,
		Verifier: verifier,
		History:  history.NewResolver(logger, db, cursors),
		Cursors:  cursors,
		Redis: api.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
		Metrics: statsUpdater.Handler(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(app.Start)
	g.Go(func() error {
		return b.Run(gctx, chatServer, nil)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			return err
		}

		logger.Info("shutting down chat server")
		return chatServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
