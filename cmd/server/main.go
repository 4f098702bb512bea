package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/course-dispatch/internal/chat"
	"github.com/example/course-dispatch/internal/config"
	"github.com/example/course-dispatch/internal/course"
	"github.com/example/course-dispatch/internal/dispatch"
	httpapi "github.com/example/course-dispatch/internal/http"
	"github.com/example/course-dispatch/internal/ingest"
	"github.com/example/course-dispatch/internal/logging"
	"github.com/example/course-dispatch/internal/realtime"
	"github.com/example/course-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql")); err == nil {
				if _, err := pg.DB().Exec(string(b)); err != nil {
					logger.Error("migration failed", "error", err)
				} else {
					logger.Info("migration applied", "file", "001_create_core.sql")
				}
			}
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var positions *storage.RedisPositions
	if cfg.RedisAddr != "" {
		positions = storage.NewRedisPositions(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer positions.Close()
	}

	var samples httpapi.SampleSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		samples = kp
	}

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	fanout := &dispatch.Fanout{
		Drivers:       store,
		Notifications: store,
		Realtime:      hub,
		Logger:        logger,
	}
	if cfg.FCMCredentialsFile != "" || cfg.FCMCredentialsBase64 != "" {
		var (
			push *dispatch.FCMPusher
			perr error
		)
		if cfg.FCMCredentialsFile != "" {
			push, perr = dispatch.NewFCMPusher(ctx, cfg.FCMCredentialsFile)
		} else {
			push, perr = dispatch.NewFCMPusherFromBase64(ctx, cfg.FCMCredentialsBase64)
		}
		if perr != nil {
			logger.Error("FCM disabled", "error", perr)
		} else {
			fanout.Push = push
		}
	}

	courses := &course.Service{Store: store, Events: hub, Logger: logger}
	chatSvc := &chat.Service{Store: store, Courses: store, Notifications: store, Realtime: hub, Logger: logger}

	srv := httpapi.NewServer(logger, cfg.JWTSecret, httpapi.Deps{
		Courses:     courses,
		CourseStore: store,
		Fanout:      fanout,
		Chat:        chatSvc,
		Hub:         hub,
		Positions:   positions,
		Samples:     samples,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("course-dispatch api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}
