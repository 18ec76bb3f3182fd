package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/caption-demo/internal/archive"
	"github.com/example/caption-demo/internal/auth"
	"github.com/example/caption-demo/internal/captioner"
	"github.com/example/caption-demo/internal/config"
	"github.com/example/caption-demo/internal/handlers"
	"github.com/example/caption-demo/internal/logging"
	"github.com/example/caption-demo/internal/repository"
	"github.com/example/caption-demo/internal/session"
	"github.com/example/caption-demo/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	newState := upload.StateFactory(cfg.App.Placeholder)
	store, closeStore := initStore(ctx, cfg.Session, newState, logger)
	defer closeStore()

	var opts upload.Options
	var submissions handlers.SubmissionLister
	if cfg.Database.Enabled() {
		repo := repository.NewSubmissionRepository(initDatabase(ctx, cfg.Database, logger), logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Recorder = repo
		submissions = repo
	}
	if cfg.Archive.Enabled {
		a, err := archive.NewS3Archive(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Fatal("failed to configure image archive", zap.Error(err))
		}
		opts.Archiver = a
	}

	client := captioner.NewHTTPClient(captioner.Options{
		Endpoint:    cfg.Caption.Endpoint,
		ContentType: cfg.Caption.ContentType,
		Timeout:     cfg.Caption.Timeout,
	}, logger)
	view := upload.NewView(store, client, opts, logger)

	gin.SetMode(gin.ReleaseMode)
	h := handlers.NewHandler(view, submissions, handlers.Config{
		Title:          cfg.App.Title,
		CookieName:     cfg.Session.CookieName,
		CookieTTL:      cfg.Session.TTL,
		MaxUploadBytes: cfg.App.MaxUploadBytes,
		AllowedOrigins: cfg.App.AllowedOrigins,
	}, logger)
	router := handlers.NewRouter(h, auth.OperatorMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	logger.Info("caption demo listening",
		zap.String("addr", server.Addr),
		zap.String("caption_endpoint", cfg.Caption.Endpoint),
		zap.String("session_store", cfg.Session.Store))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initStore(ctx context.Context, cfg config.SessionConfig, newState func(string) *upload.State, logger *zap.Logger) (upload.Store, func()) {
	if cfg.Store != config.StoreRedis {
		return session.NewMemoryStore(cfg.TTL, newState), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.RedisAddr))
	}
	return session.NewRedisStore(client, cfg.TTL, newState, logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
