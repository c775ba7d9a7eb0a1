package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/attachment"
	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/handler"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/push"
	"github.com/teamchat/internal/repository"
	"github.com/teamchat/internal/service"
	"github.com/teamchat/internal/startup"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/storage/devstore"
	"github.com/teamchat/internal/storage/memory"
	"github.com/teamchat/internal/ws"
	"github.com/teamchat/migrations"
)

// stores — персистентные хранилища выбранного драйвера.
type stores struct {
	convs     service.ConversationStore
	msgs      service.MessageStore
	reactions service.ReactionStore
	users     service.UserStore
	contacts  ws.Contacts
	close     func()
}

func main() {
	logger.SetPrefix("api")
	defer logger.Sync()
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dev {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
		cfg.StorageDriver = config.StorageDriverPostgres
	}

	st, err := openStores(ctx, cfg, *migrate)
	if err != nil {
		logger.Errorf("storage: %v", err)
		os.Exit(1)
	}
	defer st.close()
	if *migrate {
		return
	}

	var ephemeral storage.Store
	if cfg.Redis.URL != "" {
		rc, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, 30*time.Second, "api: ")
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		ephemeral = rc
		logger.Info("redis connected: typing presence and push subscriptions in redis")
	} else {
		ephemeral = memory.New()
		logger.Info("REDIS_URL not set: typing presence and push subscriptions in memory")
	}
	defer ephemeral.Close()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(st.users, st.contacts, cfg.MaxWSConnections)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	deps := service.Deps{
		Conversations: st.convs,
		Messages:      st.msgs,
		Reactions:     st.reactions,
		Users:         st.users,
		Typing:        ephemeral,
		Events:        hub,
		TypingTTL:     cfg.TypingTTL,
	}
	var vapidPublic string
	if keys, err := push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile); err != nil {
		logger.Errorf("web push disabled: %v", err)
	} else {
		sender := push.NewSender(ephemeral, keys, cfg.Push.Subject)
		deps.Notifier = sender
		vapidPublic = sender.PublicKey()
	}
	chat := service.NewChatService(deps)

	var (
		uploads *attachment.Service
		files   *attachment.DiskStore
	)
	if cfg.S3.Enabled() {
		uploads = attachment.NewService(attachment.NewS3Store(cfg.S3), cfg.MaxUploadSize)
		logger.Infof("attachments: s3 bucket %s", cfg.S3.Bucket)
	} else if cfg.UploadDir != "" {
		files = attachment.NewDiskStore(cfg.UploadDir, "/api/files")
		uploads = attachment.NewService(files, cfg.MaxUploadSize)
		logger.Infof("attachments: local directory %s", cfg.UploadDir)
	}

	srv := &http.Server{
		Addr: cfg.ServerAddr,
		Handler: handler.NewRouter(handler.RouterDeps{
			Config:         cfg,
			Chat:           chat,
			Users:          st.users,
			Hub:            hub,
			PushSubs:       ephemeral,
			VAPIDPublicKey: vapidPublic,
			Uploads:        uploads,
			Files:          files,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}

// openStores выбирает Postgres или хранилище в памяти по STORAGE_DRIVER.
func openStores(ctx context.Context, cfg *config.Config, migrateOnly bool) (*stores, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		if migrateOnly {
			return nil, fmt.Errorf("-migrate needs STORAGE_DRIVER=postgres")
		}
		logger.Info("STORAGE_DRIVER=memory: data is lost on restart")
		db := devstore.New()
		return &stores{
			convs:     db.Conversations(),
			msgs:      db.Messages(),
			reactions: db.Reactions(),
			users:     db.Users(),
			contacts:  db.Conversations(),
			close:     func() {},
		}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2

	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second, "api: ")
	if err != nil {
		return nil, err
	}
	migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := startup.RunMigrations(migCtx, pool, migrations.Files); err != nil {
		pool.Close()
		return nil, err
	}

	users := repository.NewUserRepository(pool)
	if !migrateOnly {
		// WS-соединений после рестарта нет
		if err := users.ResetOnline(migCtx); err != nil {
			logger.Errorf("reset online status: %v", err)
		}
	}
	convs := repository.NewConversationRepository(pool)
	logger.Info("database connected, migrations applied")
	return &stores{
		convs:     convs,
		msgs:      repository.NewMessageRepository(pool),
		reactions: repository.NewReactionRepository(pool),
		users:     users,
		contacts:  convs,
		close:     pool.Close,
	}, nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "teamchat"
		password = "teamchat_secret"
		database = "teamchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
