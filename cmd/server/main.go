package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/accounts"
	"github.com/vdavid/aliasmail/internal/alias"
	"github.com/vdavid/aliasmail/internal/api"
	"github.com/vdavid/aliasmail/internal/config"
	"github.com/vdavid/aliasmail/internal/crypto"
	"github.com/vdavid/aliasmail/internal/db"
	"github.com/vdavid/aliasmail/internal/engine"
	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/ingest"
	"github.com/vdavid/aliasmail/internal/logging"
	"github.com/vdavid/aliasmail/internal/models"
	"github.com/vdavid/aliasmail/internal/usage"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)
	logger.Info("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		logger.Fatalf("Failed to create encryptor: %v", err)
	}

	store := db.NewAccountStore(pool)
	sinks := usage.Sinks{store}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			_ = client.Close()
		}()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis is unreachable, usage counters will only go to the database")
		} else {
			sinks = append(sinks, usage.NewRedisSink(client, ""))
		}
	}

	opts, err := engineOptions(cfg)
	if err != nil {
		logger.Fatalf("Invalid engine options: %v", err)
	}
	dialer := &imap.TCPDialer{
		UseTLS:          true,
		Timeout:         cfg.DialTimeout,
		CommandTimeout:  cfg.CommandTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		IdlePoll:        cfg.PullTick,
		Logger:          logger,
	}
	eng := engine.New(encryptor, dialer, store, sinks, logger, opts)

	if err := eng.Load(ctx); err != nil {
		logger.Fatalf("Failed to load accounts: %v", err)
	}
	if cfg.AccountsFile != "" {
		if err := seedAccounts(ctx, eng, cfg.AccountsFile, logger); err != nil {
			logger.Fatalf("Failed to seed accounts: %v", err)
		}
	}

	if err := run(ctx, eng, NewServer(cfg, eng, logger), ":"+cfg.Port, logger); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
}

// NewServer creates the HTTP handler for the aliasmail API.
func NewServer(cfg *config.Config, eng api.Engine, logger *logrus.Logger) http.Handler {
	return api.NewRouter(eng, cfg.CORSOrigins, logger)
}

// engineOptions maps the flat configuration onto the engine's component options.
func engineOptions(cfg *config.Config) (engine.Options, error) {
	alternates, err := cfg.AlternateDomainMap()
	if err != nil {
		return engine.Options{}, err
	}

	return engine.Options{
		Accounts: accounts.Options{
			TopK:             cfg.TopK,
			RecoveryCooldown: cfg.RecoveryCooldown,
		},
		Aliases: alias.Options{
			TTL:              cfg.AliasTTL,
			DefaultStrategy:  models.AliasStrategy(cfg.DefaultStrategy),
			AlternateDomains: alternates,
		},
		Pool: imap.PoolOptions{
			MaxPerAccount: cfg.MaxConnsPerAccount,
			DialRate:      rate.Limit(cfg.DialRatePerSecond),
			DialBurst:     cfg.DialBurst,
		},
		Ingest: ingest.Options{
			PullTick:        cfg.PullTick,
			HealthInterval:  cfg.HealthInterval,
			RenewInterval:   cfg.RenewInterval,
			PushRetryAfter:  cfg.PushRetryAfter,
			MaxPushFailures: cfg.MaxPushFailures,
			MaxConcurrent:   cfg.MaxConcurrent,
			FetchNewest:     cfg.FetchNewest,
			SearchWindow:    cfg.SearchWindow,
			Retry: ingest.RetryPolicy{
				Base:         cfg.RetryBaseDelay,
				Max:          cfg.RetryMaxDelay,
				Jitter:       0.2,
				MaxRetries:   cfg.MaxRetries,
				SlowInterval: cfg.SlowTierInterval,
			},
		},
		CacheCapacity:          cfg.CacheCapacity,
		MaxSubscribersPerOwner: cfg.MaxSubscribersOwner,
		UsageBatchSize:         cfg.UsageBatchSize,
		UsageFlushInterval:     cfg.UsageFlushInterval,
		AliasSweepInterval:     cfg.AliasSweep,
	}, nil
}

type runner interface {
	Run(ctx context.Context) error
}

type accountRegistrar interface {
	RegisterAccount(ctx context.Context, address, credential, server string) (*models.Account, error)
}

// seedAccounts registers the mailboxes listed in path. Mailboxes that are already
// registered are left alone; one that fails its login probe is logged and skipped.
func seedAccounts(ctx context.Context, registrar accountRegistrar, path string, logger *logrus.Logger) error {
	seeds, err := config.LoadSeedAccounts(path)
	if err != nil {
		return err
	}

	added := 0
	for _, seed := range seeds {
		_, err := registrar.RegisterAccount(ctx, seed.Address, seed.Credential, seed.IMAPServer)
		switch {
		case err == nil:
			added++
		case errors.Is(err, accounts.ErrAccountExists):
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			logger.WithError(err).WithField("account", seed.Address).Warn("Failed to register seeded account")
		}
	}

	logger.WithFields(logrus.Fields{"seeded": len(seeds), "added": added}).Info("Seed accounts processed")
	return nil
}

// run serves HTTP and drives the engine until ctx is canceled, then shuts both down.
func run(ctx context.Context, eng runner, handler http.Handler, address string, logger *logrus.Logger) error {
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(engineCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("aliasmail server starting on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var result error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			result = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}

	cancelEngine()
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) && result == nil {
		result = err
	}
	return result
}
