// Command test-server runs the aliasmail API against an in-memory IMAP server, an
// SMTP server that delivers into it, and a throwaway Postgres container. Mail sent
// to any alias through the SMTP port shows up on the alias endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/api"
	"github.com/vdavid/aliasmail/internal/config"
	"github.com/vdavid/aliasmail/internal/crypto"
	"github.com/vdavid/aliasmail/internal/db"
	"github.com/vdavid/aliasmail/internal/engine"
	"github.com/vdavid/aliasmail/internal/imap"
	"github.com/vdavid/aliasmail/internal/ingest"
	"github.com/vdavid/aliasmail/internal/logging"
	"github.com/vdavid/aliasmail/internal/testutil"
)

// testMailboxes are the accounts registered against the in-memory IMAP server.
var testMailboxes = []struct {
	address  string
	password string
}{
	{"test@example.com", "test-password"},
	{"second@example.com", "second-password"},
}

func main() {
	logger := logging.New("debug", "text")

	if err := setupTestEnvironment(); err != nil {
		logger.Fatalf("Failed to setup test environment: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting test Postgres database...")
	postgresContainer, connStr, err := testutil.StartPostgres(ctx)
	if err != nil {
		logger.Fatalf("Failed to start Postgres: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			logger.Warnf("Failed to terminate Postgres container: %v", err)
		}
	}()

	imapServer, smtpServer, err := startMailServers(logger)
	if err != nil {
		logger.Fatalf("Failed to start mail servers: %v", err)
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	cfg, pool, err := setupDatabase(ctx, connStr, logger)
	if err != nil {
		logger.Fatalf("Failed to setup database: %v", err)
	}
	defer pool.Close()

	eng, err := setupEngine(ctx, cfg, pool, imapServer, logger)
	if err != nil {
		logger.Fatalf("Failed to setup engine: %v", err)
	}

	logger.Infof("Test IMAP server: %s", imapServer.Address)
	logger.Infof("Test SMTP server: %s (mail to any alias lands in INBOX)", smtpServer.Address)
	for _, mailbox := range testMailboxes {
		logger.Infof("Test mailbox: %s", mailbox.address)
	}
	logger.Info("Server ready. Press Ctrl+C to stop.")

	if err := serve(ctx, cfg, eng, logger); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
}

// setupTestEnvironment sets up required environment variables for the test server.
func setupTestEnvironment() error {
	defaults := map[string]string{
		"ALIASMAIL_ENV":                   "test",
		"ALIASMAIL_ENCRYPTION_KEY_BASE64": testutil.TestEncryptionKey,
		"ALIASMAIL_DB_PASSWORD":           "aliasmail",
		"ALIASMAIL_DEFAULT_STRATEGY":      "tag",
		"ALIASMAIL_PULL_TICK":             "1s",
		"LOG_LEVEL":                       "debug",
		"LOG_FORMAT":                      "text",
	}
	for key, value := range defaults {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startMailServers starts the in-memory IMAP server and an SMTP server that
// appends every accepted message to its INBOX.
func startMailServers(logger *logrus.Logger) (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	imapServer, err := testutil.StartIMAPServer("127.0.0.1:1143")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	for _, mailbox := range testMailboxes {
		imapServer.AddAccount(mailbox.address, mailbox.password)
	}

	smtpServer, err := testutil.StartSMTPServer("127.0.0.1:1025", func(from string, to []string, data []byte) error {
		logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("SMTP message accepted")
		return imapServer.Append("INBOX", data)
	})
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}

	return imapServer, smtpServer, nil
}

// setupDatabase loads the config and opens a migrated pool on the container.
func setupDatabase(ctx context.Context, connStr string, logger *logrus.Logger) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	pool, err := testutil.OpenMigrated(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Successfully connected to database and ran migrations")
	return cfg, pool, nil
}

// setupEngine builds an engine that talks plain IMAP to the test server and
// registers the test mailboxes.
func setupEngine(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, imapServer *testutil.TestIMAPServer, logger *logrus.Logger) (*engine.Engine, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	alternates, err := cfg.AlternateDomainMap()
	if err != nil {
		return nil, err
	}

	dialer := &imap.TCPDialer{
		UseTLS:          false,
		Timeout:         cfg.DialTimeout,
		CommandTimeout:  cfg.CommandTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		IdlePoll:        cfg.PullTick,
		Logger:          logger,
	}

	store := db.NewAccountStore(pool)
	opts := engine.Options{
		Ingest: ingest.Options{
			// The memory backend has no IDLE, so every account is polled.
			DisablePush: true,
			PullTick:    cfg.PullTick,
		},
		CacheCapacity:      cfg.CacheCapacity,
		UsageFlushInterval: time.Second,
	}
	opts.Aliases.TTL = cfg.AliasTTL
	opts.Aliases.AlternateDomains = alternates
	opts.Aliases.DefaultStrategy = "tag"

	eng := engine.New(encryptor, dialer, store, store, logger, opts)
	if err := eng.Load(ctx); err != nil {
		return nil, err
	}

	for _, mailbox := range testMailboxes {
		if _, err := eng.RegisterAccount(ctx, mailbox.address, mailbox.password, imapServer.Address); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", mailbox.address, err)
		}
	}
	return eng, nil
}

// serve runs the engine and the HTTP API until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *logrus.Logger) error {
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(eng, cfg.CORSOrigins, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("aliasmail test server starting on %s", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down...")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	<-engineDone
	return nil
}
